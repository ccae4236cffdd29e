package edit

import (
	"sync"

	"github.com/golang/glog"
)

// block sync is a pattern to keep an externally owned document value and an
// `EditorStore` in agreement while both sides change independently:
// - edits inside the store flow out through `OnChange` (durable) or
//   `OnInput` (transient)
// - a new external value flows in as a store reset
// - an external value that is merely the echo of the bridge's own latest
//   outbound push is acknowledged and never written back into the store
//
// Create one `BlockSync` per (store, container) attachment. All bookkeeping
// is per attachment and starts fresh on every `Activate`.

type ChangeFunction = func(tree *BlockTree, selection SelectionRange)

func DefaultBlockSyncSettings() *BlockSyncSettings {
	return &BlockSyncSettings{
		ContainerId: TopLevelId,
	}
}

type BlockSyncSettings struct {
	// zero value attaches to the top-level document
	ContainerId Id
	// when true, no store subscription is installed and nothing is
	// ever forwarded out. used for read-only previews
	Disabled bool
	OnChange ChangeFunction
	OnInput  ChangeFunction
	// imposed on the store after an external reset when both are set
	ExternalSelectionStart *Position
	ExternalSelectionEnd   *Position
}

// at most one inbound reset is in flight (`incoming`). `outgoing`
// accumulates unacknowledged outbound pushes until the external side
// catches up
type pendingChanges struct {
	incoming *BlockTree
	outgoing []*BlockTree
}

type BlockSync struct {
	store    *EditorStore
	settings *BlockSyncSettings

	stateLock sync.Mutex

	active      bool
	unsubscribe func()

	pending *pendingChanges

	// snapshot the outbound watch diffs against
	trackedTree       *BlockTree
	trackedPersistent bool

	previousAreBlocksDifferent bool
}

func NewBlockSyncWithDefaults(store *EditorStore) *BlockSync {
	return NewBlockSync(store, DefaultBlockSyncSettings())
}

func NewBlockSync(store *EditorStore, settings *BlockSyncSettings) *BlockSync {
	return &BlockSync{
		store:    store,
		settings: settings,
		pending:  &pendingChanges{},
	}
}

// Activate installs the outbound watch. Bookkeeping from any previous
// attachment is discarded. When the settings disable the bridge, no
// subscription is installed; inbound resets still apply.
func (self *BlockSync) Activate() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.active {
		return
	}
	self.active = true

	self.pending = &pendingChanges{}
	self.trackedTree = self.store.GetBlocks(self.settings.ContainerId)
	self.trackedPersistent = self.store.IsLastChangePersistent()
	self.previousAreBlocksDifferent = false

	if self.settings.Disabled {
		glog.V(1).Infof("[sync]attach disabled %s\n", self.settings.ContainerId)
		return
	}

	self.unsubscribe = self.store.AddChangeCallback(self.storeChanged)
	glog.V(1).Infof("[sync]attach %s\n", self.settings.ContainerId)
}

// Deactivate synchronously removes the store subscription. After it
// returns no notification fires.
func (self *BlockSync) Deactivate() {
	self.stateLock.Lock()
	if !self.active {
		self.stateLock.Unlock()
		return
	}
	self.active = false
	unsubscribe := self.unsubscribe
	self.unsubscribe = nil
	self.stateLock.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	glog.V(1).Infof("[sync]detach %s\n", self.settings.ContainerId)
}

// Reattach tears down the current attachment and activates again with
// the given settings. Attach-key changes (container, callbacks, disabled)
// go through here so that pending bookkeeping is never reused across
// attachments.
func (self *BlockSync) Reattach(settings *BlockSyncSettings) {
	self.Deactivate()
	self.stateLock.Lock()
	self.settings = settings
	self.stateLock.Unlock()
	self.Activate()
}

// the outbound watch. runs synchronously on every store mutation
func (self *BlockSync) storeChanged() {
	newTree := self.store.GetBlocks(self.settings.ContainerId)
	newPersistent := self.store.IsLastChangePersistent()
	ignored := self.store.IsLastChangeIgnoredForReset()

	self.stateLock.Lock()
	if !self.active {
		self.stateLock.Unlock()
		return
	}

	areBlocksDifferent := newTree != self.trackedTree
	self.trackedTree = newTree

	if areBlocksDifferent && (self.pending.incoming != nil || ignored) {
		// consumed by a prior inbound reset, or explicitly not user
		// visible. do not echo it back out
		self.pending.incoming = nil
		self.trackedPersistent = newPersistent
		self.stateLock.Unlock()
		glog.V(2).Infof("[sync]suppress %s = %s\n", self.settings.ContainerId, newTree)
		return
	}

	// a store may dispatch a separate mark-persistent action after the
	// data-changing action. that commits the previous round's change
	didPersistenceChange := self.previousAreBlocksDifferent &&
		!areBlocksDifferent &&
		newPersistent &&
		!self.trackedPersistent

	var forward ChangeFunction
	if areBlocksDifferent || didPersistenceChange {
		self.trackedPersistent = newPersistent
		self.pending.outgoing = append(self.pending.outgoing, newTree)
		if newPersistent {
			forward = self.settings.OnChange
		} else {
			forward = self.settings.OnInput
		}
	}
	self.previousAreBlocksDifferent = areBlocksDifferent
	self.stateLock.Unlock()

	if forward != nil {
		glog.V(2).Infof("[sync]out %s = %s persistent = %t\n", self.settings.ContainerId, newTree, newPersistent)
		forward(newTree, self.store.GetSelection())
	}
}

// SetExternalValue reconciles a new externally supplied document value.
// A nil tree means there is nothing to impose.
func (self *BlockSync) SetExternalValue(tree *BlockTree) {
	if tree == nil {
		return
	}

	self.stateLock.Lock()

	if 0 <= self.outgoingIndex(tree) {
		// the echo of a prior outbound push. only the latest entry
		// acknowledges the queue; an echo of a stale push is not yet
		// fully acknowledged. the queue may hold the same reference
		// more than once (a transient edit and its later commit), so
		// compare against the last entry itself, not the match index
		if self.pending.outgoing[len(self.pending.outgoing)-1] == tree {
			self.pending.outgoing = nil
		}
		self.stateLock.Unlock()
		glog.V(2).Infof("[sync]echo %s = %s\n", self.settings.ContainerId, tree)
		return
	}

	// a genuinely new external value supersedes any queued pushes
	self.pending.outgoing = nil
	self.pending.incoming = tree

	containerId := self.settings.ContainerId
	start := self.settings.ExternalSelectionStart
	end := self.settings.ExternalSelectionEnd
	self.stateLock.Unlock()

	glog.Infof("[sync]external reset %s = %s\n", containerId, tree)

	if containerId.IsTopLevel() {
		self.store.ResetTopLevelBlocks(tree)
	} else {
		// a controlled replacement is not a user edit: it must not
		// enter undo history and must not count as a reset trigger
		self.store.SetContainerControlled(containerId, true)
		self.store.MarkNextChangeNotUndoable()
		self.store.MarkNextChangeIgnoredForReset()
		self.store.ReplaceContainerBlocks(containerId, tree)
	}

	if start != nil && end != nil {
		self.store.ResetSelection(start, end)
	}
}

// must be called with the state lock held
func (self *BlockSync) outgoingIndex(tree *BlockTree) int {
	for i, outgoing := range self.pending.outgoing {
		if outgoing == tree {
			return i
		}
	}
	return -1
}
