package edit

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/oklog/ulid/v2"
)

// id for the top-level document container
var TopLevelId = Id{}

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func RequireIdFromBytes(idBytes []byte) Id {
	id, err := IdFromBytes(idBytes)
	if err != nil {
		panic(err)
	}
	return id
}

func ParseId(idStr string) (Id, error) {
	return parseUuid(idStr)
}

func (self Id) IsTopLevel() bool {
	return self == TopLevelId
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return encodeUuid(self)
}

func (self *Id) MarshalJSON() ([]byte, error) {
	var buf [16]byte
	copy(buf[0:16], self[0:16])
	var buff bytes.Buffer
	buff.WriteByte('"')
	buff.WriteString(encodeUuid(buf))
	buff.WriteByte('"')
	b := buff.Bytes()
	return b, nil
}

func (self *Id) UnmarshalJSON(src []byte) error {
	if len(src) != 38 {
		return fmt.Errorf("invalid length for UUID: %v", len(src))
	}
	buf, err := parseUuid(string(src[1 : len(src)-1]))
	if err != nil {
		return err
	}
	*self = buf
	return nil
}

func parseUuid(src string) (dst [16]byte, err error) {
	switch len(src) {
	case 36:
		src = src[0:8] + src[9:13] + src[14:18] + src[19:23] + src[24:]
	case 32:
		// dashes already stripped, assume valid
	default:
		// assume invalid.
		return dst, fmt.Errorf("cannot parse UUID %v", src)
	}

	buf, err := hex.DecodeString(src)
	if err != nil {
		return dst, err
	}

	copy(dst[:], buf)
	return dst, err
}

func encodeUuid(src [16]byte) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", src[0:4], src[4:6], src[6:8], src[8:10], src[10:16])
}

// a single block record. blocks are immutable snapshots -
// editing replaces the record, never mutates it in place
type Block struct {
	Id         Id             `json:"id"`
	Type       string         `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Content    string         `json:"content,omitempty"`
	Inner      *BlockTree     `json:"inner,omitempty"`
}

func NewBlock(blockType string, content string) *Block {
	return &Block{
		Id:      NewId(),
		Type:    blockType,
		Content: content,
	}
}

// an immutable ordered snapshot of blocks.
// trees are always handled as *BlockTree so that equality is
// reference identity. the sync machinery depends on this:
// substituting content comparison breaks self-echo suppression.
type BlockTree struct {
	Blocks []*Block `json:"blocks"`
}

func NewTree(blocks ...*Block) *BlockTree {
	return &BlockTree{
		Blocks: blocks,
	}
}

func EmptyTree() *BlockTree {
	return &BlockTree{
		Blocks: []*Block{},
	}
}

func (self *BlockTree) Len() int {
	if self == nil {
		return 0
	}
	return len(self.Blocks)
}

func (self *BlockTree) String() string {
	return fmt.Sprintf("tree[%d]@%p", self.Len(), self)
}

// an opaque position descriptor. the sync machinery passes these
// through without inspecting them
type Position struct {
	BlockId Id  `json:"block_id"`
	Offset  int `json:"offset"`
}

type SelectionRange struct {
	Start *Position `json:"start,omitempty"`
	End   *Position `json:"end,omitempty"`
}
