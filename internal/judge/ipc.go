// Copyright 2023-2024 (c) The Open Judge Authors. All rights reserved. Issued under the Apache 2.0 License.

package judge

// This file contains the typed message channel between the supervisor and
// its worker process.  Frames are a four byte big endian length followed
// by a msgpack encoded message, delivered strictly in order within each
// direction.

import (
	"bufio"
	"encoding/binary"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v4"

	"github.com/openjudge/judged/internal/result"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Tag enumerates the lifecycle messages exchanged between the supervisor
// and worker
type Tag uint8

const (
	TagInvalid Tag = iota
	// TagSubmission delivers the submission to a freshly spawned worker,
	// always the first inbound frame
	TagSubmission
	TagHello
	TagBye
	TagCompileError
	TagCompileMessage
	TagGradingBegin
	TagGradingEnd
	TagGradingAborted
	TagBatchBegin
	TagBatchEnd
	TagResult
	TagUnhandledException
	TagRequestAbort
)

var tagNames = map[Tag]string{
	TagInvalid:            "INVALID",
	TagSubmission:         "SUBMISSION",
	TagHello:              "HELLO",
	TagBye:                "BYE",
	TagCompileError:       "COMPILE-ERROR",
	TagCompileMessage:     "COMPILE-MESSAGE",
	TagGradingBegin:       "GRADING-BEGIN",
	TagGradingEnd:         "GRADING-END",
	TagGradingAborted:     "GRADING-ABORTED",
	TagBatchBegin:         "BATCH-BEGIN",
	TagBatchEnd:           "BATCH-END",
	TagResult:             "RESULT",
	TagUnhandledException: "UNHANDLED-EXCEPTION",
	TagRequestAbort:       "REQUEST-ABORT",
}

func (t Tag) String() string {
	if name, isPresent := tagNames[t]; isPresent {
		return name
	}
	return "UNKNOWN"
}

// Message is the tagged union carried by a frame.  Only the fields that
// belong to the tags payload shape are populated.
type Message struct {
	Tag Tag `msgpack:"tag"`
	// Batch carries the batch number for BATCH-BEGIN, BATCH-END and
	// RESULT, zero stands for the null batch of an unbatched case
	Batch int `msgpack:"batch,omitempty"`
	// Case is the 1 indexed case number of a RESULT
	Case int `msgpack:"case,omitempty"`
	// PretestsOnly rides on GRADING-BEGIN
	PretestsOnly bool `msgpack:"pretests_only,omitempty"`
	// Note carries compile diagnostics and exception text
	Note []byte `msgpack:"note,omitempty"`
	// Result rides on RESULT frames
	Result *result.Result `msgpack:"result,omitempty"`
	// Submission rides on the SUBMISSION frame only
	Submission *Submission `msgpack:"submission,omitempty"`
}

// maxFrameSize guards against a corrupted length prefix, generously above
// the largest legitimate RESULT frame
const maxFrameSize = 128 * 1024 * 1024

// Conn is one end of the bidirectional channel.  Sends from multiple
// goroutines are serialized, receives are expected from one goroutine.
type Conn struct {
	reader  *bufio.Reader
	writer  *bufio.Writer
	rawIn   io.Reader
	rawOut  io.Writer
	sendMtx sync.Mutex
}

// NewConn wraps a read and a write stream into a message channel
func NewConn(in io.Reader, out io.Writer) (conn *Conn) {
	return &Conn{
		reader: bufio.NewReader(in),
		writer: bufio.NewWriter(out),
		rawIn:  in,
		rawOut: out,
	}
}

// Send frames and writes one message
func (conn *Conn) Send(msg *Message) (err kv.Error) {
	payload, errGo := msgpack.Marshal(msg)
	if errGo != nil {
		return kv.Wrap(errGo).With("tag", msg.Tag.String()).With("stack", stack.Trace().TrimRuntime())
	}

	header := [4]byte{}
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	conn.sendMtx.Lock()
	defer conn.sendMtx.Unlock()

	if _, errGo = conn.writer.Write(header[:]); errGo != nil {
		return kv.Wrap(errGo).With("tag", msg.Tag.String()).With("stack", stack.Trace().TrimRuntime())
	}
	if _, errGo = conn.writer.Write(payload); errGo != nil {
		return kv.Wrap(errGo).With("tag", msg.Tag.String()).With("stack", stack.Trace().TrimRuntime())
	}
	if errGo = conn.writer.Flush(); errGo != nil {
		return kv.Wrap(errGo).With("tag", msg.Tag.String()).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Recv blocks for the next message.  Closure of the underlying stream is
// returned as an error, callers treat it as channel termination.
func (conn *Conn) Recv() (msg *Message, err kv.Error) {
	header := [4]byte{}
	if _, errGo := io.ReadFull(conn.reader, header[:]); errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > maxFrameSize {
		return nil, kv.NewError("oversized frame").With("size", size).With("stack", stack.Trace().TrimRuntime())
	}

	payload := make([]byte, size)
	if _, errGo := io.ReadFull(conn.reader, payload); errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}

	msg = &Message{}
	if errGo := msgpack.Unmarshal(payload, msg); errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return msg, nil
}

// Close closes whichever underlying streams support closing
func (conn *Conn) Close() {
	if closer, isCloser := conn.rawIn.(io.Closer); isCloser {
		closer.Close()
	}
	if closer, isCloser := conn.rawOut.(io.Closer); isCloser {
		closer.Close()
	}
}
