package hub

import (
	"sync"

	"github.com/pagecraft/blockedit/edit"
)

// Doc owns the editing store and the sync attachment for one document.
// The hub is the document's external owner: store edits surface here
// through the sync callbacks, and values applied by remote clients flow
// back in through `SetExternalValue`.
type Doc struct {
	store *edit.EditorStore
	sync  *edit.BlockSync

	stateLock sync.Mutex

	seq              uint64
	latestTree       *edit.BlockTree
	latestPersistent bool

	monitor *edit.Monitor
}

func NewDoc() *Doc {
	store := edit.NewEditorStoreWithDefaults()
	doc := &Doc{
		store:   store,
		monitor: edit.NewMonitor(),
	}

	settings := edit.DefaultBlockSyncSettings()
	settings.OnChange = func(tree *edit.BlockTree, selection edit.SelectionRange) {
		doc.pushOut(tree, true)
	}
	settings.OnInput = func(tree *edit.BlockTree, selection edit.SelectionRange) {
		doc.pushOut(tree, false)
	}
	doc.sync = edit.NewBlockSync(store, settings)
	doc.sync.Activate()

	return doc
}

func (self *Doc) Store() *edit.EditorStore {
	return self.store
}

func (self *Doc) Snapshot() *edit.BlockTree {
	return self.store.GetBlocks(edit.TopLevelId)
}

// SetExternalValue applies a remotely supplied tree. An echo of a value
// the doc itself pushed out is acknowledged without touching the store.
func (self *Doc) SetExternalValue(tree *edit.BlockTree) {
	self.sync.SetExternalValue(tree)
}

func (self *Doc) pushOut(tree *edit.BlockTree, persistent bool) {
	self.stateLock.Lock()
	self.seq += 1
	self.latestTree = tree
	self.latestPersistent = persistent
	self.stateLock.Unlock()

	self.monitor.NotifyAll()
}

// Latest returns the most recent outbound push. Readers coalesce on the
// sequence number; intermediate pushes may be skipped.
func (self *Doc) Latest() (uint64, *edit.BlockTree, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.seq, self.latestTree, self.latestPersistent
}

func (self *Doc) NotifyChannel() <-chan struct{} {
	return self.monitor.NotifyChannel()
}

func (self *Doc) Close() {
	self.sync.Deactivate()
}
