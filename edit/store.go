package edit

import (
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

type StoreChangeFunction = func()

func DefaultEditorStoreSettings() *EditorStoreSettings {
	return &EditorStoreSettings{
		HistoryLimit: 100,
	}
}

type EditorStoreSettings struct {
	// maximum number of undo snapshots retained. 0 disables history
	HistoryLimit int
}

type storeSnapshot struct {
	containers     map[Id]*BlockTree
	selectionStart *Position
	selectionEnd   *Position
}

// EditorStore is the mutable editing state behind an editor surface:
// block trees per container, selection bounds, and a change classification
// for the most recent mutation. Change delivery is synchronous with the
// mutating call, so a subscriber observes the store after the mutation
// and before anything else runs.
//
// The store is shared across potentially many sync attachments (nested
// containers). Each attachment owns only its container subtree.
type EditorStore struct {
	settings *EditorStoreSettings

	stateLock sync.Mutex

	containers     map[Id]*BlockTree
	selectionStart *Position
	selectionEnd   *Position

	lastChangePersistent bool
	lastChangeIgnored    bool

	nextChangeIgnored     bool
	nextChangeNotUndoable bool

	controlledContainers map[Id]bool

	undoStack []*storeSnapshot
	redoStack []*storeSnapshot

	changeCallbacks *CallbackList[StoreChangeFunction]
}

func NewEditorStoreWithDefaults() *EditorStore {
	return NewEditorStore(DefaultEditorStoreSettings())
}

func NewEditorStore(settings *EditorStoreSettings) *EditorStore {
	return &EditorStore{
		settings: settings,
		containers: map[Id]*BlockTree{
			TopLevelId: EmptyTree(),
		},
		lastChangePersistent: true,
		controlledContainers: map[Id]bool{},
		changeCallbacks:      NewCallbackList[StoreChangeFunction](),
	}
}

// the returned function removes the subscription. removal is synchronous:
// after it returns, the callback will not fire again
func (self *EditorStore) AddChangeCallback(changeCallback StoreChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

func (self *EditorStore) GetBlocks(containerId Id) *BlockTree {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.blocks(containerId)
}

// lazily creates an empty tree for unseen containers so that repeated
// reads return a stable reference
func (self *EditorStore) blocks(containerId Id) *BlockTree {
	tree, ok := self.containers[containerId]
	if !ok {
		tree = EmptyTree()
		self.containers[containerId] = tree
	}
	return tree
}

func (self *EditorStore) GetSelectionStart() *Position {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.selectionStart
}

func (self *EditorStore) GetSelectionEnd() *Position {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.selectionEnd
}

func (self *EditorStore) GetSelection() SelectionRange {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return SelectionRange{
		Start: self.selectionStart,
		End:   self.selectionEnd,
	}
}

func (self *EditorStore) IsLastChangePersistent() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastChangePersistent
}

func (self *EditorStore) IsLastChangeIgnoredForReset() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.lastChangeIgnored
}

func (self *EditorStore) ContainerIds() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.containers)
}

func (self *EditorStore) IsContainerControlled(containerId Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.controlledContainers[containerId]
}

func (self *EditorStore) SetContainerControlled(containerId Id, controlled bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if controlled {
		self.controlledContainers[containerId] = true
	} else {
		delete(self.controlledContainers, containerId)
	}
}

// the next mutation will not record an undo snapshot
func (self *EditorStore) MarkNextChangeNotUndoable() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.nextChangeNotUndoable = true
}

// the next mutation will report true from `IsLastChangeIgnoredForReset`
func (self *EditorStore) MarkNextChangeIgnoredForReset() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.nextChangeIgnored = true
}

// flips the last change to persistent without changing blocks.
// editors dispatch this as a separate commit action after a run of
// transient edits, e.g. when live typing settles
func (self *EditorStore) MarkLastChangePersistent() {
	self.stateLock.Lock()
	self.lastChangePersistent = true
	self.stateLock.Unlock()

	self.dispatchChange()
}

func (self *EditorStore) ResetTopLevelBlocks(tree *BlockTree) {
	if tree == nil {
		return
	}
	self.applyChange(TopLevelId, tree, true)
}

func (self *EditorStore) ReplaceContainerBlocks(containerId Id, tree *BlockTree) {
	if tree == nil {
		return
	}
	self.applyChange(containerId, tree, true)
}

// EditBlocks replaces a container's tree as a user edit. Transient edits
// (persistent=false) model live typing; a later `MarkLastChangePersistent`
// commits them.
func (self *EditorStore) EditBlocks(containerId Id, tree *BlockTree, persistent bool) {
	if tree == nil {
		return
	}
	self.applyChange(containerId, tree, persistent)
}

func (self *EditorStore) InsertBlock(containerId Id, index int, block *Block) {
	self.stateLock.Lock()
	tree := self.blocks(containerId)
	if index < 0 {
		index = 0
	}
	if tree.Len() < index {
		index = tree.Len()
	}
	nextBlocks := make([]*Block, 0, tree.Len()+1)
	nextBlocks = append(nextBlocks, tree.Blocks[:index]...)
	nextBlocks = append(nextBlocks, block)
	nextBlocks = append(nextBlocks, tree.Blocks[index:]...)
	self.stateLock.Unlock()

	self.applyChange(containerId, NewTree(nextBlocks...), true)
}

func (self *EditorStore) RemoveBlock(containerId Id, blockId Id) {
	self.stateLock.Lock()
	tree := self.blocks(containerId)
	nextBlocks := []*Block{}
	removed := false
	for _, block := range tree.Blocks {
		if block.Id == blockId {
			removed = true
			continue
		}
		nextBlocks = append(nextBlocks, block)
	}
	self.stateLock.Unlock()

	if !removed {
		return
	}
	self.applyChange(containerId, NewTree(nextBlocks...), true)
}

func (self *EditorStore) UpdateBlock(containerId Id, block *Block) {
	self.stateLock.Lock()
	tree := self.blocks(containerId)
	nextBlocks := []*Block{}
	updated := false
	for _, b := range tree.Blocks {
		if b.Id == block.Id {
			updated = true
			nextBlocks = append(nextBlocks, block)
		} else {
			nextBlocks = append(nextBlocks, b)
		}
	}
	self.stateLock.Unlock()

	if !updated {
		return
	}
	self.applyChange(containerId, NewTree(nextBlocks...), true)
}

func (self *EditorStore) ResetSelection(start *Position, end *Position) {
	// a partial range must not be imposed
	if start == nil || end == nil {
		return
	}

	self.stateLock.Lock()
	self.selectionStart = start
	self.selectionEnd = end
	self.stateLock.Unlock()

	self.dispatchChange()
}

func (self *EditorStore) applyChange(containerId Id, tree *BlockTree, persistent bool) {
	self.stateLock.Lock()

	if !self.nextChangeNotUndoable {
		self.recordUndo()
	}
	self.nextChangeNotUndoable = false

	self.containers[containerId] = tree
	self.lastChangePersistent = persistent
	self.lastChangeIgnored = self.nextChangeIgnored
	self.nextChangeIgnored = false

	glog.V(2).Infof("[store]change %s = %s persistent = %t ignored = %t\n", containerId, tree, persistent, self.lastChangeIgnored)

	self.stateLock.Unlock()

	self.dispatchChange()
}

// callbacks run outside the state lock so they can read the store freely
func (self *EditorStore) dispatchChange() {
	for _, changeCallback := range self.changeCallbacks.Get() {
		HandleError(func() {
			changeCallback()
		})
	}
}

// must be called with the state lock held
func (self *EditorStore) recordUndo() {
	limit := self.settings.HistoryLimit
	if limit <= 0 {
		return
	}

	self.undoStack = append(self.undoStack, self.snapshot())
	if limit < len(self.undoStack) {
		self.undoStack = self.undoStack[len(self.undoStack)-limit:]
	}
	self.redoStack = nil
}

// must be called with the state lock held
func (self *EditorStore) snapshot() *storeSnapshot {
	containers := map[Id]*BlockTree{}
	for containerId, tree := range self.containers {
		containers[containerId] = tree
	}
	return &storeSnapshot{
		containers:     containers,
		selectionStart: self.selectionStart,
		selectionEnd:   self.selectionEnd,
	}
}

// must be called with the state lock held
func (self *EditorStore) restore(snapshot *storeSnapshot) {
	self.containers = snapshot.containers
	self.selectionStart = snapshot.selectionStart
	self.selectionEnd = snapshot.selectionEnd
}

func (self *EditorStore) CanUndo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.undoStack)
}

func (self *EditorStore) CanRedo() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.redoStack)
}

func (self *EditorStore) Undo() bool {
	self.stateLock.Lock()
	if len(self.undoStack) == 0 {
		self.stateLock.Unlock()
		return false
	}

	i := len(self.undoStack) - 1
	previous := self.undoStack[i]
	self.undoStack = self.undoStack[:i]
	self.redoStack = append(self.redoStack, self.snapshot())

	self.restore(previous)
	self.lastChangePersistent = true
	self.lastChangeIgnored = false
	self.stateLock.Unlock()

	self.dispatchChange()
	return true
}

func (self *EditorStore) Redo() bool {
	self.stateLock.Lock()
	if len(self.redoStack) == 0 {
		self.stateLock.Unlock()
		return false
	}

	i := len(self.redoStack) - 1
	next := self.redoStack[i]
	self.redoStack = self.redoStack[:i]
	self.undoStack = append(self.undoStack, self.snapshot())

	self.restore(next)
	self.lastChangePersistent = true
	self.lastChangeIgnored = false
	self.stateLock.Unlock()

	self.dispatchChange()
	return true
}
