package edit

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

type syncRecorder struct {
	changes          []*BlockTree
	changeSelections []SelectionRange
	inputs           []*BlockTree
}

func (self *syncRecorder) onChange(tree *BlockTree, selection SelectionRange) {
	self.changes = append(self.changes, tree)
	self.changeSelections = append(self.changeSelections, selection)
}

func (self *syncRecorder) onInput(tree *BlockTree, selection SelectionRange) {
	self.inputs = append(self.inputs, tree)
}

func newTestSync(store *EditorStore, recorder *syncRecorder) *BlockSync {
	settings := DefaultBlockSyncSettings()
	settings.OnChange = recorder.onChange
	settings.OnInput = recorder.onInput
	sync := NewBlockSync(store, settings)
	sync.Activate()
	return sync
}

// counts raw store notifications, independent of the bridge
func countNotifications(store *EditorStore) *int {
	count := 0
	store.AddChangeCallback(func() {
		count += 1
	})
	return &count
}

func TestOutboundPersistentEdit(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	tree := NewTree(NewBlock("paragraph", "hello"))
	store.EditBlocks(TopLevelId, tree, true)

	assert.Equal(t, 1, len(recorder.changes))
	assert.Equal(t, 0, len(recorder.inputs))
	if recorder.changes[0] != tree {
		t.Fatalf("forwarded tree is not the store tree")
	}
	assert.Equal(t, 1, len(sync.pending.outgoing))
	if sync.pending.outgoing[0] != tree {
		t.Fatalf("outgoing entry is not the forwarded tree")
	}
}

func TestOutboundTransientEdit(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	tree := NewTree(NewBlock("paragraph", "h"))
	store.EditBlocks(TopLevelId, tree, false)

	assert.Equal(t, 0, len(recorder.changes))
	assert.Equal(t, 1, len(recorder.inputs))
}

func TestNoSelfEcho(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	tree := NewTree(NewBlock("paragraph", "hello"))
	store.EditBlocks(TopLevelId, tree, true)
	assert.Equal(t, 1, len(recorder.changes))

	notifications := countNotifications(store)

	// the external side reflects the push back. this must not reset
	// the store
	sync.SetExternalValue(tree)

	assert.Equal(t, 0, *notifications)
	assert.Equal(t, 0, len(sync.pending.outgoing))
	assert.Equal(t, 1, len(recorder.changes))
	if store.GetBlocks(TopLevelId) != tree {
		t.Fatalf("store tree replaced by echo")
	}
}

func TestStaleEchoNotConsumed(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	treeA := NewTree(NewBlock("paragraph", "a"))
	treeB := NewTree(NewBlock("paragraph", "ab"))
	store.EditBlocks(TopLevelId, treeA, true)
	store.EditBlocks(TopLevelId, treeB, true)
	assert.Equal(t, 2, len(sync.pending.outgoing))

	// an echo of the older push leaves the queue untouched
	sync.SetExternalValue(treeA)
	assert.Equal(t, 2, len(sync.pending.outgoing))

	// only the echo of the latest push acknowledges the queue
	sync.SetExternalValue(treeB)
	assert.Equal(t, 0, len(sync.pending.outgoing))
}

func TestEchoAfterPersistenceCommit(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	// a transient edit and its later commit push the same reference
	// twice
	tree := NewTree(NewBlock("paragraph", "typed"))
	store.EditBlocks(TopLevelId, tree, false)
	store.MarkLastChangePersistent()
	assert.Equal(t, 2, len(sync.pending.outgoing))

	// the echoed value is the most recent entry, so it acknowledges
	// the whole queue even though it also matches the older entry
	notifications := countNotifications(store)
	sync.SetExternalValue(tree)
	assert.Equal(t, 0, len(sync.pending.outgoing))
	assert.Equal(t, 0, *notifications)
}

func TestGenuineExternalReset(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	treeA := NewTree(NewBlock("paragraph", "a"))
	store.EditBlocks(TopLevelId, treeA, true)
	assert.Equal(t, 1, len(sync.pending.outgoing))

	notifications := countNotifications(store)

	external := NewTree(NewBlock("heading", "title"))
	sync.SetExternalValue(external)

	// exactly one store reset, queued pushes superseded, and the reset
	// was not echoed back out
	assert.Equal(t, 1, *notifications)
	assert.Equal(t, 0, len(sync.pending.outgoing))
	if sync.pending.incoming != nil {
		t.Fatalf("incoming marker not consumed by the reset notification")
	}
	if store.GetBlocks(TopLevelId) != external {
		t.Fatalf("store tree is not the external value")
	}
	assert.Equal(t, 1, len(recorder.changes))
}

func TestNilExternalValue(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	notifications := countNotifications(store)
	sync.SetExternalValue(nil)
	assert.Equal(t, 0, *notifications)
}

func TestIncomingSuppression(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	sync.pending.incoming = NewTree()

	tree := NewTree(NewBlock("paragraph", "typed"))
	store.EditBlocks(TopLevelId, tree, true)

	assert.Equal(t, 0, len(recorder.changes))
	assert.Equal(t, 0, len(recorder.inputs))
	if sync.pending.incoming != nil {
		t.Fatalf("incoming marker not cleared")
	}

	// the suppression consumed exactly one notification. the next edit
	// forwards normally
	next := NewTree(NewBlock("paragraph", "typed more"))
	store.EditBlocks(TopLevelId, next, true)
	assert.Equal(t, 1, len(recorder.changes))
}

func TestIgnoredChangeSuppression(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	store.MarkNextChangeIgnoredForReset()
	tree := NewTree(NewBlock("paragraph", "internal"))
	store.EditBlocks(TopLevelId, tree, true)

	assert.Equal(t, 0, len(recorder.changes))
	assert.Equal(t, 0, len(recorder.inputs))
}

func TestPersistenceCommit(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	tree := NewTree(NewBlock("paragraph", "live"))
	store.EditBlocks(TopLevelId, tree, false)
	assert.Equal(t, 1, len(recorder.inputs))
	assert.Equal(t, 0, len(recorder.changes))

	// the separate mark-persistent action commits the previous change
	store.MarkLastChangePersistent()
	assert.Equal(t, 1, len(recorder.inputs))
	assert.Equal(t, 1, len(recorder.changes))
	if recorder.changes[0] != tree {
		t.Fatalf("commit did not forward the previous tree")
	}

	// a repeated mark-persistent does not commit again
	store.MarkLastChangePersistent()
	assert.Equal(t, 1, len(recorder.changes))
}

func TestDisabledBridge(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	settings := DefaultBlockSyncSettings()
	settings.Disabled = true
	settings.OnChange = recorder.onChange
	settings.OnInput = recorder.onInput
	sync := NewBlockSync(store, settings)
	sync.Activate()
	defer sync.Deactivate()

	store.EditBlocks(TopLevelId, NewTree(NewBlock("paragraph", "x")), true)
	store.MarkLastChangePersistent()

	assert.Equal(t, 0, len(recorder.changes))
	assert.Equal(t, 0, len(recorder.inputs))
	assert.Equal(t, 0, len(sync.pending.outgoing))
}

func TestDeactivateStopsForwarding(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)

	store.EditBlocks(TopLevelId, NewTree(NewBlock("paragraph", "a")), true)
	assert.Equal(t, 1, len(recorder.changes))

	sync.Deactivate()
	store.EditBlocks(TopLevelId, NewTree(NewBlock("paragraph", "b")), true)
	assert.Equal(t, 1, len(recorder.changes))
}

func TestReattachResetsPending(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	tree := NewTree(NewBlock("paragraph", "a"))
	store.EditBlocks(TopLevelId, tree, true)
	assert.Equal(t, 1, len(sync.pending.outgoing))

	settings := DefaultBlockSyncSettings()
	settings.OnChange = recorder.onChange
	settings.OnInput = recorder.onInput
	sync.Reattach(settings)

	// bookkeeping is never reused across attachments: the old push is
	// forgotten, so its echo now reads as a genuine external value
	assert.Equal(t, 0, len(sync.pending.outgoing))
	notifications := countNotifications(store)
	sync.SetExternalValue(tree)
	assert.Equal(t, 1, *notifications)
}

func TestContainerReset(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	containerId := NewId()
	recorder := &syncRecorder{}
	settings := DefaultBlockSyncSettings()
	settings.ContainerId = containerId
	settings.OnChange = recorder.onChange
	settings.OnInput = recorder.onInput
	sync := NewBlockSync(store, settings)
	sync.Activate()
	defer sync.Deactivate()

	inner := NewTree(NewBlock("list-item", "one"))
	sync.SetExternalValue(inner)

	assert.Equal(t, true, store.IsContainerControlled(containerId))
	if store.GetBlocks(containerId) != inner {
		t.Fatalf("container tree is not the external value")
	}
	// the replacement is not undoable and not a user-visible edit
	assert.Equal(t, false, store.CanUndo())
	assert.Equal(t, 0, len(recorder.changes))
	assert.Equal(t, 0, len(recorder.inputs))

	// other containers are untouched
	assert.Equal(t, 0, store.GetBlocks(TopLevelId).Len())
}

func TestExternalSelectionImposedOnReset(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	block := NewBlock("paragraph", "selected")
	start := &Position{BlockId: block.Id, Offset: 0}
	end := &Position{BlockId: block.Id, Offset: 8}

	settings := DefaultBlockSyncSettings()
	settings.ExternalSelectionStart = start
	settings.ExternalSelectionEnd = end
	sync := NewBlockSync(store, settings)
	sync.Activate()
	defer sync.Deactivate()

	sync.SetExternalValue(NewTree(block))

	assert.Equal(t, start, store.GetSelectionStart())
	assert.Equal(t, end, store.GetSelectionEnd())
}

func TestPartialExternalSelectionSkipped(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	settings := DefaultBlockSyncSettings()
	settings.ExternalSelectionStart = &Position{Offset: 1}
	sync := NewBlockSync(store, settings)
	sync.Activate()
	defer sync.Deactivate()

	sync.SetExternalValue(NewTree(NewBlock("paragraph", "x")))

	if store.GetSelectionStart() != nil {
		t.Fatalf("partial selection range imposed")
	}
}

func TestSelectionForwardedWithChange(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	block := NewBlock("paragraph", "hello")
	start := &Position{BlockId: block.Id, Offset: 0}
	end := &Position{BlockId: block.Id, Offset: 5}
	store.ResetSelection(start, end)

	store.EditBlocks(TopLevelId, NewTree(block), true)

	assert.Equal(t, 1, len(recorder.changes))
	assert.Equal(t, start, recorder.changeSelections[0].Start)
	assert.Equal(t, end, recorder.changeSelections[0].End)
}

// the full round trip from the sync design: empty external value, one
// internal persistent edit, then the external side re-renders with the
// pushed reference
func TestRoundTrip(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	recorder := &syncRecorder{}
	sync := newTestSync(store, recorder)
	defer sync.Deactivate()

	sync.SetExternalValue(EmptyTree())
	assert.Equal(t, 0, len(recorder.changes))

	blockA := NewBlock("paragraph", "a")
	tree := NewTree(blockA)
	store.EditBlocks(TopLevelId, tree, true)

	assert.Equal(t, 1, len(recorder.changes))
	assert.Equal(t, 1, len(sync.pending.outgoing))

	notifications := countNotifications(store)
	sync.SetExternalValue(tree)
	assert.Equal(t, 0, len(sync.pending.outgoing))
	assert.Equal(t, 0, *notifications)
}

func TestTwoBridgesShareStore(t *testing.T) {
	store := NewEditorStoreWithDefaults()
	containerId := NewId()

	topRecorder := &syncRecorder{}
	top := newTestSync(store, topRecorder)
	defer top.Deactivate()

	innerRecorder := &syncRecorder{}
	innerSettings := DefaultBlockSyncSettings()
	innerSettings.ContainerId = containerId
	innerSettings.OnChange = innerRecorder.onChange
	innerSettings.OnInput = innerRecorder.onInput
	inner := NewBlockSync(store, innerSettings)
	inner.Activate()
	defer inner.Deactivate()

	// an edit in one container forwards only through its own bridge
	store.EditBlocks(containerId, NewTree(NewBlock("list-item", "x")), true)
	assert.Equal(t, 0, len(topRecorder.changes))
	assert.Equal(t, 1, len(innerRecorder.changes))

	store.EditBlocks(TopLevelId, NewTree(NewBlock("paragraph", "y")), true)
	assert.Equal(t, 1, len(topRecorder.changes))
	assert.Equal(t, 1, len(innerRecorder.changes))
}
