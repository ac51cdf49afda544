// Package wsclient implements tts.Provider over a single websocket connection
// to a streaming synthesis server.
//
// Protocol (all control messages are JSON text frames):
//
//	-> {"type":"synthesize","text":"...","voice":"..."}
//	<- {"type":"audio_start","format":"pcm","sample_rate":24000,"channels":1,...}
//	<- binary frames with encoded audio
//	<- {"type":"audio_end"}
//
//	-> {"type":"list_voices"}          <- {"type":"voices_list","voices":[...]}
//	-> {"type":"set_voice","voice":""} <- {"type":"voice_set","voice":"..."}
//	                                   <- {"type":"error","message":"..."}
//
// The server answers requests strictly in the order it receives them, so
// responses are matched to outstanding requests first-in first-out. Many
// synthesize requests may be in flight on the connection at once.
//
// The connection is opened lazily and re-opened on the next request after it
// drops. A drop ends the streaming request as if audio_end had arrived and
// fails it, together with every other outstanding request, with
// [tts.ErrConnection].
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/speakloop/pkg/audio"
	"github.com/MrWong99/speakloop/pkg/provider/tts"
)

const (
	// DefaultURL is where the reference synthesis server listens.
	DefaultURL = "ws://localhost:8766"

	// DefaultVoice is the reference server's default voice.
	DefaultVoice = "zh-CN-XiaoxiaoNeural"

	providerName = "websocket"

	defaultSampleRate   = 24000
	defaultChannels     = 1
	defaultDialTimeout  = 5 * time.Second
	defaultWriteTimeout = 5 * time.Second

	chunkBuffer = 256
	readLimit   = 8 << 20
)

// ErrClosed is returned by requests made after [Client.Close].
var ErrClosed = errors.New("wsclient: client closed")

// Breaker guards connection attempts. *resilience.CircuitBreaker satisfies it.
type Breaker interface {
	Execute(fn func() error) error
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithVoice sets the voice sent with requests that do not name one.
func WithVoice(voice string) Option {
	return func(c *Client) { c.voice = voice }
}

// WithDialTimeout bounds the websocket handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(c *Client) { c.dialTimeout = d }
}

// WithWriteTimeout bounds a single request write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) { c.writeTimeout = d }
}

// WithBreaker routes every dial through b so an unreachable server fails fast.
func WithBreaker(b Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// WithHTTPClient sets the HTTP client used for the websocket handshake.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithDefaultFormat sets the sample rate and channel count assumed when an
// audio_start message omits them.
func WithDefaultFormat(sampleRate, channels int) Option {
	return func(c *Client) {
		c.defaultRate = sampleRate
		c.defaultChannels = channels
	}
}

// Client is a [tts.Provider] speaking the streaming synthesis protocol.
// It is safe for concurrent use.
type Client struct {
	url             string
	dialTimeout     time.Duration
	writeTimeout    time.Duration
	breaker         Breaker
	httpClient      *http.Client
	defaultRate     int
	defaultChannels int

	dials singleflight.Group

	// mu guards everything below.
	mu     sync.Mutex
	voice  string
	sess   *session
	closed bool

	readCtx    context.Context
	cancelRead context.CancelFunc
	readers    sync.WaitGroup
}

// New creates a Client for the server at url. No connection is made until
// the first request.
func New(url string, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, errors.New("wsclient: url must not be empty")
	}
	if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		return nil, fmt.Errorf("wsclient: url %q must use ws:// or wss://", url)
	}
	c := &Client{
		url:             url,
		dialTimeout:     defaultDialTimeout,
		writeTimeout:    defaultWriteTimeout,
		defaultRate:     defaultSampleRate,
		defaultChannels: defaultChannels,
	}
	for _, o := range opts {
		o(c)
	}
	c.readCtx, c.cancelRead = context.WithCancel(context.Background())
	return c, nil
}

// ---- wire types ----

type clientMessage struct {
	Type  string `json:"type"`
	Text  string `json:"text,omitempty"`
	Voice string `json:"voice,omitempty"`
}

type serverMessage struct {
	Type       string       `json:"type"`
	Format     string       `json:"format,omitempty"`
	SampleRate int          `json:"sample_rate,omitempty"`
	Channels   int          `json:"channels,omitempty"`
	Streaming  *bool        `json:"streaming,omitempty"`
	Voice      string       `json:"voice,omitempty"`
	Emotion    string       `json:"emotion,omitempty"`
	TotalSize  int          `json:"total_size,omitempty"`
	Voices     []voiceEntry `json:"voices,omitempty"`
	Message    string       `json:"message,omitempty"`
}

type voiceEntry struct {
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	Locale    string `json:"locale"`
	Gender    string `json:"gender"`
}

// ---- requests ----

type callKind int

const (
	kindSynthesize callKind = iota
	kindListVoices
	kindSetVoice
)

func (k callKind) String() string {
	switch k {
	case kindSynthesize:
		return "synthesize"
	case kindListVoices:
		return "list_voices"
	case kindSetVoice:
		return "set_voice"
	default:
		return "unknown"
	}
}

// call is one outstanding request awaiting its response on a session.
type call struct {
	kind    callKind
	ctx     context.Context
	segment uint64

	// synthesize only; touched by the session's read loop after send.
	chunks  chan tts.Chunk
	stream  *tts.Stream
	started bool
	format  audio.Format
	voice   string
	emotion string
	bytes   int

	// list_voices and set_voice.
	result chan callResult
}

type callResult struct {
	voices []tts.VoiceProfile
	voice  string
	err    error
}

// finish delivers the terminal outcome of c exactly once.
func (c *call) finish(err error) {
	switch c.kind {
	case kindSynthesize:
		if err != nil {
			c.stream.SetErr(err)
		}
		close(c.chunks)
	default:
		c.result <- callResult{err: err}
	}
}

// session is one websocket connection and the FIFO of requests sent on it.
type session struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending []*call
	dead    bool
}

var errSessionDead = errors.New("wsclient: connection already closed")

// send enqueues cl and writes msg while holding the session lock, so the
// pending order always equals the wire order.
func (s *session) send(ctx context.Context, timeout time.Duration, cl *call, msg clientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsclient: marshal %s: %w", msg.Type, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return errSessionDead
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := s.conn.Write(wctx, websocket.MessageText, payload); err != nil {
		// A failed write leaves the frame stream in an unknown state.
		_ = s.conn.Close(websocket.StatusInternalError, "write failed")
		return fmt.Errorf("wsclient: send %s: %w: %w", msg.Type, tts.ErrConnection, err)
	}
	s.pending = append(s.pending, cl)
	return nil
}

// head returns the oldest outstanding request, or nil.
func (s *session) head() *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	return s.pending[0]
}

// pop removes and returns the oldest outstanding request.
func (s *session) pop() *call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil
	}
	cl := s.pending[0]
	s.pending[0] = nil
	s.pending = s.pending[1:]
	return cl
}

// kill marks the session dead and returns whatever was still outstanding.
func (s *session) kill() []*call {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = true
	p := s.pending
	s.pending = nil
	return p
}

// ---- tts.Provider ----

// Synthesize implements [tts.Provider]. The returned stream's channel is
// closed on audio_end, on a server error (Err wraps [tts.ErrSynthesis]) or
// when the connection drops (Err wraps [tts.ErrConnection]).
func (c *Client) Synthesize(ctx context.Context, req tts.Request) (*tts.Stream, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("wsclient: %w: empty text", tts.ErrSynthesis)
	}
	voice := req.Voice
	if voice == "" {
		c.mu.Lock()
		voice = c.voice
		c.mu.Unlock()
	}

	ch := make(chan tts.Chunk, chunkBuffer)
	cl := &call{
		kind:    kindSynthesize,
		ctx:     ctx,
		segment: req.SegmentID,
		chunks:  ch,
		stream:  tts.NewStream(ch),
	}
	if err := c.do(ctx, cl, clientMessage{Type: "synthesize", Text: req.Text, Voice: voice}); err != nil {
		return nil, err
	}
	return cl.stream, nil
}

// ListVoices implements [tts.Provider].
func (c *Client) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	res, err := c.roundTrip(ctx, kindListVoices, clientMessage{Type: "list_voices"})
	if err != nil {
		return nil, err
	}
	return res.voices, nil
}

// SetVoice implements [tts.Provider]. The confirmed voice is also sent with
// every later request that names none, so a server restart does not revert it.
func (c *Client) SetVoice(ctx context.Context, voice string) error {
	if voice == "" {
		return errors.New("wsclient: voice must not be empty")
	}
	res, err := c.roundTrip(ctx, kindSetVoice, clientMessage{Type: "set_voice", Voice: voice})
	if err != nil {
		return err
	}
	confirmed := res.voice
	if confirmed == "" {
		confirmed = voice
	}
	c.mu.Lock()
	c.voice = confirmed
	c.mu.Unlock()
	return nil
}

// Voice returns the voice sent with requests that name none.
func (c *Client) Voice() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.voice
}

// Ping connects if necessary and round-trips a websocket ping.
func (c *Client) Ping(ctx context.Context) error {
	s, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if err := s.conn.Ping(ctx); err != nil {
		return fmt.Errorf("wsclient: ping: %w: %w", tts.ErrConnection, err)
	}
	return nil
}

// Close closes the connection and fails every outstanding request.
// It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	s := c.sess
	c.sess = nil
	c.mu.Unlock()

	if s != nil {
		_ = s.conn.Close(websocket.StatusNormalClosure, "client closing")
	}
	c.cancelRead()
	c.readers.Wait()
	return nil
}

func (c *Client) roundTrip(ctx context.Context, kind callKind, msg clientMessage) (callResult, error) {
	cl := &call{kind: kind, ctx: ctx, result: make(chan callResult, 1)}
	if err := c.do(ctx, cl, msg); err != nil {
		return callResult{}, err
	}
	select {
	case res := <-cl.result:
		return res, res.err
	case <-ctx.Done():
		// The response is still consumed in order by the read loop.
		return callResult{}, fmt.Errorf("wsclient: %s: %w", kind, ctx.Err())
	}
}

// do sends msg for cl, connecting first if needed. If the cached connection
// turns out to be dead, it reconnects once.
func (c *Client) do(ctx context.Context, cl *call, msg clientMessage) error {
	for attempt := 0; ; attempt++ {
		s, err := c.connect(ctx)
		if err != nil {
			return err
		}
		err = s.send(ctx, c.writeTimeout, cl, msg)
		if errors.Is(err, errSessionDead) && attempt == 0 {
			continue
		}
		if errors.Is(err, errSessionDead) {
			return fmt.Errorf("wsclient: %w: %w", tts.ErrConnection, err)
		}
		return err
	}
}

// connect returns the live session, dialing a new one if there is none.
// Concurrent callers share a single dial.
func (c *Client) connect(ctx context.Context) (*session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if s := c.sess; s != nil {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	ch := c.dials.DoChan("dial", func() (any, error) {
		return c.dial()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*session), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wsclient: connect: %w", ctx.Err())
	}
}

func (c *Client) dial() (*session, error) {
	c.mu.Lock()
	if s := c.sess; s != nil {
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	var conn *websocket.Conn
	dialFn := func() error {
		// Shared by every waiter, so it must not inherit one caller's context.
		dctx, cancel := context.WithTimeout(context.Background(), c.dialTimeout)
		defer cancel()
		var err error
		conn, _, err = websocket.Dial(dctx, c.url, &websocket.DialOptions{HTTPClient: c.httpClient})
		return err
	}
	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(dialFn)
	} else {
		err = dialFn()
	}
	if err != nil {
		return nil, fmt.Errorf("wsclient: dial %s: %w: %w", c.url, tts.ErrConnection, err)
	}
	conn.SetReadLimit(readLimit)

	s := &session{conn: conn}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "client closing")
		return nil, ErrClosed
	}
	c.sess = s
	c.readers.Add(1)
	c.mu.Unlock()

	slog.Info("wsclient: connected", "url", c.url)
	go c.readLoop(s)
	return s, nil
}

// ---- read side ----

func (c *Client) readLoop(s *session) {
	defer c.readers.Done()
	for {
		typ, data, err := s.conn.Read(c.readCtx)
		if err != nil {
			c.drop(s, err)
			return
		}
		switch typ {
		case websocket.MessageBinary:
			c.onBinary(s, data)
		case websocket.MessageText:
			c.onControl(s, data)
		}
	}
}

// drop retires s and fails everything still waiting on it.
func (c *Client) drop(s *session, cause error) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	closing := c.closed
	c.mu.Unlock()

	pending := s.kill()
	_ = s.conn.CloseNow()

	if closing {
		cause = ErrClosed
	} else {
		slog.Warn("wsclient: connection lost", "url", c.url, "pending", len(pending), "err", cause)
	}
	for _, cl := range pending {
		cl.finish(fmt.Errorf("wsclient: %s segment %d: %w: %w", cl.kind, cl.segment, tts.ErrConnection, cause))
	}
}

func (c *Client) onBinary(s *session, data []byte) {
	cl := s.head()
	if cl == nil || cl.kind != kindSynthesize || !cl.started {
		slog.Warn("wsclient: binary frame outside an audio stream, dropping", "bytes", len(data))
		return
	}
	cl.bytes += len(data)
	chunk := tts.Chunk{Format: cl.format, Data: data, Voice: cl.voice, Emotion: cl.emotion}
	select {
	case cl.chunks <- chunk:
	case <-cl.ctx.Done():
		// Caller gave up; keep consuming the stream to stay in sync.
	}
}

func (c *Client) onControl(s *session, data []byte) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("wsclient: malformed control message", "err", err)
		return
	}

	cl := s.head()
	if cl == nil {
		slog.Warn("wsclient: unsolicited message", "type", msg.Type)
		return
	}

	switch msg.Type {
	case "audio_start":
		if cl.kind != kindSynthesize {
			slog.Warn("wsclient: audio_start while awaiting another response", "awaiting", cl.kind)
			return
		}
		if cl.started {
			slog.Warn("wsclient: audio_start without audio_end", "segment", cl.segment)
		}
		cl.started = true
		cl.format = c.parseFormat(msg)
		cl.voice = msg.Voice
		cl.emotion = msg.Emotion

	case "audio_end":
		if cl.kind != kindSynthesize {
			slog.Warn("wsclient: audio_end while awaiting another response", "awaiting", cl.kind)
			return
		}
		s.pop()
		if msg.TotalSize > 0 && msg.TotalSize != cl.bytes {
			slog.Debug("wsclient: audio size mismatch", "segment", cl.segment, "announced", msg.TotalSize, "received", cl.bytes)
		}
		cl.finish(nil)

	case "voices_list":
		if cl.kind != kindListVoices {
			slog.Warn("wsclient: voices_list while awaiting another response", "awaiting", cl.kind)
			return
		}
		s.pop()
		cl.result <- callResult{voices: toProfiles(msg.Voices)}

	case "voice_set":
		if cl.kind != kindSetVoice {
			slog.Warn("wsclient: voice_set while awaiting another response", "awaiting", cl.kind)
			return
		}
		s.pop()
		cl.result <- callResult{voice: msg.Voice}

	case "error":
		s.pop()
		cl.finish(fmt.Errorf("wsclient: %s segment %d: %w: %s", cl.kind, cl.segment, tts.ErrSynthesis, msg.Message))

	default:
		slog.Debug("wsclient: ignoring message", "type", msg.Type)
	}
}

// parseFormat builds the chunk format from audio_start, filling in the
// client defaults for omitted fields. An unknown format name is passed
// through so the decoder can report it per chunk.
func (c *Client) parseFormat(msg serverMessage) audio.Format {
	enc, err := audio.ParseEncoding(msg.Format)
	if err != nil {
		enc = audio.Encoding(msg.Format)
	}
	f := audio.Format{Encoding: enc, SampleRate: msg.SampleRate, Channels: msg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = c.defaultRate
	}
	if f.Channels <= 0 {
		f.Channels = c.defaultChannels
	}
	return f
}

func toProfiles(entries []voiceEntry) []tts.VoiceProfile {
	out := make([]tts.VoiceProfile, 0, len(entries))
	for _, v := range entries {
		id := v.ShortName
		if id == "" {
			id = v.Name
		}
		out = append(out, tts.VoiceProfile{
			ID:       id,
			Name:     v.Name,
			Provider: providerName,
			Locale:   v.Locale,
			Gender:   v.Gender,
		})
	}
	return out
}

var _ tts.Provider = (*Client)(nil)
