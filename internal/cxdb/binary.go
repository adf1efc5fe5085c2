package cxdb

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/blake3"
)

// BinaryClient speaks the framed binary write protocol (§6): a 16-byte
// header followed by a type-specific payload, one frame per request, one
// frame per response, correlated by req_id. The connection is serialized
// under a single mutex — cxdb turns are meant to be appended one at a time
// per context to keep the turn log linear.
type BinaryClient struct {
	conn   net.Conn
	mu     sync.Mutex
	nextID uint64
}

// DialBinary opens a TCP connection to addr and performs the HELLO
// handshake, identifying this client as clientName.
func DialBinary(ctx context.Context, addr, clientName string) (*BinaryClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("cxdb: dial %s: %w", addr, err)
	}
	bc := &BinaryClient{conn: conn}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := bc.hello(clientName); err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})
	return bc, nil
}

func (b *BinaryClient) reqID() uint64 {
	return atomic.AddUint64(&b.nextID, 1)
}

func (b *BinaryClient) roundTrip(msgType uint16, payload []byte) (frameHeader, []byte, error) {
	id := b.reqID()
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := writeFrame(b.conn, msgType, id, payload); err != nil {
		return frameHeader{}, nil, err
	}
	h, resp, err := readFrame(b.conn)
	if err != nil {
		return frameHeader{}, nil, err
	}
	if h.reqID != id {
		return frameHeader{}, nil, fmt.Errorf("cxdb: response req_id mismatch (sent %d, got %d)", id, h.reqID)
	}
	if h.msgType == msgError {
		return frameHeader{}, nil, decodeErrorPayload(resp)
	}
	return h, resp, nil
}

func decodeErrorPayload(payload []byte) error {
	if len(payload) < 8 {
		return fmt.Errorf("cxdb: malformed ERROR frame")
	}
	code, off := getU32(payload, 0)
	detailLen, off := getU32(payload, off)
	detail := ""
	if off+int(detailLen) <= len(payload) {
		detail = string(payload[off : off+int(detailLen)])
	}
	return fmt.Errorf("cxdb: server error code=%d: %s", code, detail)
}

func (b *BinaryClient) hello(clientName string) error {
	payload := []byte(clientName)
	_, _, err := b.roundTrip(msgHello, payload)
	return err
}

// ForkContext issues CTX_CREATE rooted at baseTurnID.
func (b *BinaryClient) ForkContext(ctx context.Context, baseTurnID uint64) (ContextInfo, error) {
	payload := make([]byte, 8)
	putU64(payload, 0, baseTurnID)
	_, resp, err := b.roundTrip(msgCtxCreate, payload)
	if err != nil {
		return ContextInfo{}, err
	}
	if len(resp) < 16 {
		return ContextInfo{}, fmt.Errorf("cxdb: malformed CTX_CREATE response")
	}
	contextID, off := getU64(resp, 0)
	headTurnID, _ := getU64(resp, off)
	return ContextInfo{
		ContextID:  fmt.Sprintf("%d", contextID),
		HeadTurnID: fmt.Sprintf("%d", headTurnID),
	}, nil
}

// BinaryContextInfo mirrors ContextInfo but keeps ids as raw integers, for
// callers that stay on the binary transport end to end instead of bridging
// to the HTTP-shaped string ids.
type BinaryContextInfo struct {
	ContextID  uint64
	HeadTurnID uint64
	HeadDepth  uint32
}

// CreateContext issues CTX_CREATE rooted at baseTurnID, returning raw
// integer ids. ForkContext is the string-typed sibling used where the
// result needs to line up with the HTTP client's ContextInfo.
func (b *BinaryClient) CreateContext(ctx context.Context, baseTurnID uint64) (BinaryContextInfo, error) {
	payload := make([]byte, 8)
	putU64(payload, 0, baseTurnID)
	_, resp, err := b.roundTrip(msgCtxCreate, payload)
	if err != nil {
		return BinaryContextInfo{}, err
	}
	if len(resp) < 20 {
		return BinaryContextInfo{}, fmt.Errorf("cxdb: malformed CTX_CREATE response")
	}
	contextID, off := getU64(resp, 0)
	headTurnID, off := getU64(resp, off)
	headDepth, _ := getU32(resp, off)
	return BinaryContextInfo{ContextID: contextID, HeadTurnID: headTurnID, HeadDepth: headDepth}, nil
}

// AppendAck is the server's reply to an APPEND_TURN request.
type AppendAck struct {
	NewTurnID   uint64
	ContentHash [32]byte
}

// AppendTurn issues APPEND_TURN for ctxID with the given parent, writing
// typeID/typeVersion/payload. The content hash the server returns is the
// BLAKE3 digest of the encoded payload it stored.
func (b *BinaryClient) AppendTurn(ctx context.Context, ctxID, parentTurnID uint64, typeID string, typeVersion uint32, payload []byte) (AppendAck, error) {
	h := blake3.New()
	_, _ = h.Write(payload)
	var contentHash [32]byte
	copy(contentHash[:], h.Sum(nil))

	idBytes := []byte(typeID)
	buf := make([]byte, 0, 8+8+4+len(idBytes)+4+4+4+4+len(payload)+4)
	buf = appendU64(buf, ctxID)
	buf = appendU64(buf, parentTurnID)
	buf = appendU32v(buf, uint32(len(idBytes)))
	buf = append(buf, idBytes...)
	buf = appendU32v(buf, typeVersion)
	buf = appendU32v(buf, 0) // encoding: 0 = tagged binary map
	buf = appendU32v(buf, 0) // compression: 0 = none
	buf = appendU32v(buf, uint32(len(payload)))
	buf = append(buf, contentHash[:]...)
	buf = append(buf, payload...)
	buf = appendU32v(buf, 0) // idem_key_len: 0 = none

	_, resp, err := b.roundTrip(msgAppendTurn, buf)
	if err != nil {
		return AppendAck{}, err
	}
	if len(resp) < 8+32 {
		return AppendAck{}, fmt.Errorf("cxdb: malformed APPEND_TURN response")
	}
	newTurnID, off := getU64(resp, 0)
	var ack AppendAck
	ack.NewTurnID = newTurnID
	copy(ack.ContentHash[:], resp[off:off+32])
	return ack, nil
}

// PutBlob stores rawLen bytes read from r in cxdb's content-addressed blob
// store under the given BLAKE3 sum, via PUT_BLOB.
func (b *BinaryClient) PutBlob(ctx context.Context, sum [32]byte, rawLen uint32, r io.Reader) error {
	data := make([]byte, rawLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("cxdb: read blob body: %w", err)
	}
	buf := make([]byte, 0, 32+4+len(data))
	buf = append(buf, sum[:]...)
	buf = appendU32v(buf, rawLen)
	buf = append(buf, data...)
	_, _, err := b.roundTrip(msgPutBlob, buf)
	return err
}

func (b *BinaryClient) Close() error {
	return b.conn.Close()
}

func appendU64(buf []byte, v uint64) []byte {
	b := make([]byte, 8)
	putU64(b, 0, v)
	return append(buf, b...)
}

func appendU32v(buf []byte, v uint32) []byte {
	b := make([]byte, 4)
	putU32(b, 0, v)
	return append(buf, b...)
}
