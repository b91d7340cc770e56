package hl7v2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	// MLLPStartBlock is the MLLP start-of-message byte (VT).
	MLLPStartBlock = 0x0B

	// MLLPEndBlock is the MLLP end-of-message byte (FS).
	MLLPEndBlock = 0x1C

	// MLLPCarriageReturn is the trailing CR after the end block.
	MLLPCarriageReturn = 0x0D

	mllpMaxMessageSize = 1 << 20
	mllpReadTimeout    = 30 * time.Second
	mllpWriteTimeout   = 10 * time.Second
)

// MessageHandler processes one unframed message and returns the ACK to send
// back. The error is for logging only; the ACK already reflects it.
type MessageHandler interface {
	Process(ctx context.Context, raw []byte) (*Message, error)
}

// MLLPServer listens for HL7v2 messages over MLLP/TCP. Messages on one
// connection are processed in arrival order.
type MLLPServer struct {
	addr     string
	handler  MessageHandler
	logger   zerolog.Logger
	listener net.Listener
	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMLLPServer creates a server for addr that dispatches to handler.
func NewMLLPServer(addr string, handler MessageHandler, logger zerolog.Logger) *MLLPServer {
	return &MLLPServer{
		addr:    addr,
		handler: handler,
		logger:  logger.With().Str("component", "mllp").Logger(),
		conns:   make(map[net.Conn]struct{}),
		done:    make(chan struct{}),
	}
}

// Start begins listening. The accept loop runs in the background; ctx is
// passed to the handler for every message.
func (s *MLLPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("mllp: failed to listen on %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("MLLP listener started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx, ln)
	}()
	return nil
}

// Run starts the server and blocks until ctx is cancelled.
func (s *MLLPServer) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop closes the listener and every open connection and waits for the
// connection goroutines to exit.
func (s *MLLPServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.listener != nil {
			err = s.listener.Close()
		}
		for conn := range s.conns {
			conn.Close()
		}
		s.mu.Unlock()
		s.wg.Wait()
		s.logger.Info().Msg("MLLP listener stopped")
	})
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

// Addr returns the bound address, useful when listening on port 0.
func (s *MLLPServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *MLLPServer) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.trackConn(conn, true)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.trackConn(conn, false)
			defer conn.Close()
			s.handleConnection(ctx, conn)
		}()
	}
}

func (s *MLLPServer) trackConn(conn net.Conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *MLLPServer) handleConnection(ctx context.Context, conn net.Conn) {
	log := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	buf := make([]byte, 0, 4096)
	readBuf := make([]byte, 4096)

	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(mllpReadTimeout))
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			if len(buf) > mllpMaxMessageSize {
				log.Warn().Int("bytes", len(buf)).Msg("message exceeds max size, closing connection")
				return
			}
			for {
				msgBytes, rest, found := UnframeMessage(buf)
				if !found {
					break
				}
				buf = rest
				s.processMessage(ctx, conn, log, msgBytes)
			}
		}

		if err != nil {
			// An idle timeout closes the connection; a timeout mid-frame keeps
			// reading so slow senders can finish.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() && len(buf) > 0 {
				continue
			}
			return
		}
	}
}

func (s *MLLPServer) processMessage(ctx context.Context, conn net.Conn, log zerolog.Logger, raw []byte) {
	ack, err := s.handler.Process(ctx, raw)
	if err != nil {
		log.Warn().Err(err).Msg("HL7 message not accepted")
	}
	if ack == nil {
		return
	}

	conn.SetWriteDeadline(time.Now().Add(mllpWriteTimeout))
	if _, err := conn.Write(FrameMessage(SerializeMessage(ack))); err != nil {
		log.Error().Err(err).Msg("write ACK failed")
	}
}

// FrameMessage wraps raw HL7v2 bytes in MLLP framing:
//
//	<0x0B> + message + <0x1C><0x0D>
func FrameMessage(data []byte) []byte {
	frame := make([]byte, 0, len(data)+3)
	frame = append(frame, MLLPStartBlock)
	frame = append(frame, data...)
	frame = append(frame, MLLPEndBlock, MLLPCarriageReturn)
	return frame
}

// UnframeMessage extracts the first complete MLLP frame from data and returns
// it together with the bytes that follow it.
func UnframeMessage(data []byte) (message []byte, rest []byte, found bool) {
	startIdx := bytes.IndexByte(data, MLLPStartBlock)
	if startIdx == -1 {
		return nil, data, false
	}

	endIdx := bytes.Index(data[startIdx+1:], []byte{MLLPEndBlock, MLLPCarriageReturn})
	if endIdx == -1 {
		return nil, data, false
	}
	endIdx = startIdx + 1 + endIdx

	return data[startIdx+1 : endIdx], data[endIdx+2:], true
}

// Acknowledgement codes for MSA-1.
const (
	AckAccept = "AA"
	AckError  = "AE"
	AckReject = "AR"
)

// GenerateACK builds the acknowledgement for incoming. incoming may be nil
// when the message could not be parsed; MSA-2 is then empty. text goes to
// MSA-3.
func GenerateACK(incoming *Message, ackCode, text string) *Message {
	if incoming == nil {
		incoming = &Message{Version: "2.5.1"}
	}
	trigger := ""
	if parts := strings.SplitN(incoming.Type, "^", 3); len(parts) >= 2 {
		trigger = parts[1]
	}
	msgType := "ACK"
	if trigger != "" {
		msgType += "^" + trigger
	}

	now := time.Now().UTC()
	timestamp := now.Format("20060102150405")
	controlID := "ACK" + now.Format("20060102150405.000")

	ack := &Message{
		Type:         msgType,
		ControlID:    controlID,
		Version:      incoming.Version,
		Timestamp:    now,
		SendingApp:   incoming.ReceivingApp,
		SendingFac:   incoming.ReceivingFac,
		ReceivingApp: incoming.SendingApp,
		ReceivingFac: incoming.SendingFac,
	}

	msh := Segment{Name: "MSH", Fields: []Field{
		parseField("|"),
		{Value: "^~\\&", Components: []string{"^~\\&"}},
		parseField(ack.SendingApp),
		parseField(ack.SendingFac),
		parseField(ack.ReceivingApp),
		parseField(ack.ReceivingFac),
		parseField(timestamp),
		parseField(""),
		parseField(msgType),
		parseField(controlID),
		parseField("P"),
		parseField(ack.Version),
	}}
	msa := Segment{Name: "MSA", Fields: []Field{
		parseField(ackCode),
		parseField(incoming.ControlID),
	}}
	if text != "" {
		msa.Fields = append(msa.Fields, Field{Value: escapeText(text)})
	}
	ack.Segments = []Segment{msh, msa}
	return ack
}

// escapeText applies HL7 escape sequences so free text cannot break the
// segment structure.
func escapeText(s string) string {
	r := strings.NewReplacer(
		"\\", "\\E\\",
		"|", "\\F\\",
		"^", "\\S\\",
		"&", "\\T\\",
		"~", "\\R\\",
		"\r", " ",
		"\n", " ",
	)
	return r.Replace(s)
}

// SerializeMessage renders msg with \r segment separators.
func SerializeMessage(msg *Message) []byte {
	segments := make([]string, 0, len(msg.Segments))
	for _, seg := range msg.Segments {
		segments = append(segments, serializeSegment(seg))
	}
	return []byte(strings.Join(segments, "\r"))
}

func serializeSegment(seg Segment) string {
	if seg.Name == "MSH" {
		// Fields[0] is the separator itself and is not repeated.
		if len(seg.Fields) < 2 {
			return "MSH|"
		}
		parts := make([]string, 0, len(seg.Fields)-1)
		for i := 1; i < len(seg.Fields); i++ {
			parts = append(parts, seg.Fields[i].Value)
		}
		return "MSH|" + strings.Join(parts, "|")
	}

	parts := make([]string, len(seg.Fields))
	for i, f := range seg.Fields {
		parts[i] = f.Value
	}
	return seg.Name + "|" + strings.Join(parts, "|")
}
