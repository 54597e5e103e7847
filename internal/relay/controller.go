package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relayboard/internal/codec"
	"github.com/thatsimonsguy/relayboard/internal/datadog"
	"github.com/thatsimonsguy/relayboard/internal/model"
)

const (
	DefaultWriteTimeout = 250 * time.Millisecond
	DefaultAckTimeout   = 500 * time.Millisecond
	DefaultPollTimeout  = 100 * time.Millisecond

	// missed status polls before the link is reported unhealthy
	maxMissedPolls = 3
)

type Options struct {
	Name    string
	Address codec.Address
	AckMode model.AckMode

	WriteTimeout time.Duration
	AckTimeout   time.Duration
	// PollInterval between status queries; zero disables status polling.
	PollInterval time.Duration
	PollTimeout  time.Duration

	Recorder     Recorder
	OnLinkChange func(healthy bool)
	Clock        func() time.Time
}

// Descriptor is a validated channel entry from the configuration.
type Descriptor struct {
	Name  string
	Relay int
}

// Controller multiplexes one serial link across up to four relay channels.
// Frames go out one at a time in the order they are requested; confirmed
// state is pushed back to the channels.
type Controller struct {
	opts      Options
	transport Transport

	// wire is held for the whole of a write; lock it before mu.
	wire    sync.Mutex
	stalled chan struct{}

	mu            sync.Mutex
	channels      map[int]*Channel
	seq           byte
	rx            []byte
	pending       *pendingCommand
	pollInFlight  bool
	pollStarted   time.Time
	lastPoll      time.Time
	missedPolls   int
	lastCommandAt time.Time
	healthy       bool
	// pollStale marks relays commanded while a status query was in flight;
	// the answer to that query predates the command.
	pollStale [codec.MaxRelay + 1]bool

	// outbox holds events in the order they happened. One goroutine at a
	// time drains it, with no controller lock held.
	outbox   []event
	flushing bool
}

var _ model.Component = (*Controller)(nil)

type pendingCommand struct {
	relay  int
	state  model.RelayState
	seq    byte
	sentAt time.Time
}

type stateChange struct {
	ch     *Channel
	state  model.RelayState
	at     time.Time
	source string
}

type commandRecord struct {
	at    time.Time
	relay int
	state model.RelayState
	seq   byte
	err   error
}

// event is work that must run after the controller locks are released:
// listeners may call back into the controller. Exactly one field is set.
type event struct {
	command *commandRecord
	change  *stateChange
	link    *bool
}

func New(opts Options, transport Transport) (*Controller, error) {
	if transport == nil {
		return nil, errors.New("relay controller requires a transport")
	}
	if opts.Name == "" {
		opts.Name = "relayboard"
	}
	if opts.Address == (codec.Address{}) {
		opts.Address = codec.DefaultAddress
	}
	switch opts.AckMode {
	case "":
		opts.AckMode = model.AckOptimistic
	case model.AckOptimistic, model.AckAwait:
	default:
		return nil, fmt.Errorf("unknown ack mode %q", opts.AckMode)
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &Controller{
		opts:      opts,
		transport: transport,
		channels:  make(map[int]*Channel, codec.MaxRelay),
		healthy:   true,
	}, nil
}

// Assemble builds a controller and registers one channel per descriptor.
// Any conflict aborts the whole assembly.
func Assemble(opts Options, transport Transport, descs []Descriptor) (*Controller, []*Channel, error) {
	c, err := New(opts, transport)
	if err != nil {
		return nil, nil, err
	}
	chans := make([]*Channel, 0, len(descs))
	for _, d := range descs {
		ch, err := NewChannel(d.Name, d.Relay)
		if err != nil {
			return nil, nil, fmt.Errorf("switch %q: %w", d.Name, err)
		}
		if err := c.RegisterChannel(d.Relay, ch); err != nil {
			return nil, nil, fmt.Errorf("switch %q: %w", d.Name, err)
		}
		chans = append(chans, ch)
	}
	return c, chans, nil
}

func (c *Controller) Name() string {
	return c.opts.Name
}

func (c *Controller) RegisterChannel(index int, ch *Channel) error {
	if !codec.ValidRelay(index) {
		return fmt.Errorf("%w: %d", ErrInvalidAddress, index)
	}
	if ch == nil {
		return errors.New("cannot register a nil channel")
	}
	if ch.Index() != index {
		return fmt.Errorf("%w: channel %d registered as %d", ErrIndexMismatch, ch.Index(), index)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.channels[index]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateAddress, index)
	}
	if err := ch.attach(c); err != nil {
		return err
	}
	c.channels[index] = ch

	log.Debug().
		Str("controller", c.opts.Name).
		Int("relay", index).
		Str("name", ch.Name()).
		Msg("Registered relay channel")
	return nil
}

func (c *Controller) Channel(index int) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[index]
	return ch, ok
}

// Channels returns the registered channels ordered by relay index.
func (c *Controller) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Channel, 0, len(c.channels))
	for _, ch := range c.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index() < out[j].Index() })
	return out
}

func (c *Controller) LinkHealthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy
}

func (c *Controller) LastCommandAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastCommandAt
}

func (c *Controller) Snapshot() model.ControllerStatus {
	chans := c.Channels()

	c.mu.Lock()
	st := model.ControllerStatus{
		Name:          c.opts.Name,
		LinkHealthy:   c.healthy,
		LastCommandAt: c.lastCommandAt,
	}
	c.mu.Unlock()

	st.Channels = make([]model.ChannelStatus, 0, len(chans))
	for _, ch := range chans {
		st.Channels = append(st.Channels, ch.Status())
	}
	return st
}

// Setup logs the controller configuration. It fails when there is nothing
// to control.
func (c *Controller) Setup() error {
	chans := c.Channels()

	log.Info().
		Str("controller", c.opts.Name).
		Str("address", c.opts.Address.String()).
		Str("ack_mode", string(c.opts.AckMode)).
		Dur("poll_interval", c.opts.PollInterval).
		Dur("poll_timeout", c.opts.PollTimeout).
		Dur("write_timeout", c.opts.WriteTimeout).
		Int("channels", len(chans)).
		Msg("Relay controller configured")
	for _, ch := range chans {
		log.Info().Int("relay", ch.Index()).Str("name", ch.Name()).Msg("Relay channel")
	}

	if len(chans) == 0 {
		return ErrNoChannels
	}
	return nil
}

// RequestState writes a set-relay command for the channel at index. It
// returns once the frame is on the wire; in await mode the channel stays
// pending until the board reports the relay. Listeners may still be running
// on another goroutine when it returns.
func (c *Controller) RequestState(index int, state model.RelayState) error {
	if !codec.ValidRelay(index) {
		return fmt.Errorf("%w: %d", ErrInvalidAddress, index)
	}
	if !state.Known() {
		return fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	c.wire.Lock()
	err := c.request(index, state)
	c.wire.Unlock()
	c.flush()
	return err
}

func (c *Controller) request(index int, state model.RelayState) error {
	c.mu.Lock()
	ch, ok := c.channels[index]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownChannel, index)
	}
	if p := c.pending; p != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: relay %d", ErrBusy, p.relay)
	}
	seq := c.nextSeq()
	frame, err := codec.Encode(c.opts.Address, seq, codec.Command{Relay: index, State: state})
	if err != nil {
		c.mu.Unlock()
		return err
	}
	ch.beginRequest(state)
	c.mu.Unlock()

	werr := c.write(frame)
	now := c.opts.Clock()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.outbox = append(c.outbox, event{command: &commandRecord{at: now, relay: index, state: state, seq: seq, err: werr}})
	tags := []string{fmt.Sprintf("relay:%d", index), "controller:" + c.opts.Name}

	if werr != nil {
		ch.revert()
		c.setHealthy(false)
		datadog.Count("relay.commands", 1, append(tags, "result:link_error")...)
		log.Error().
			Err(werr).
			Int("relay", index).
			Str("state", string(state)).
			Uint8("seq", seq).
			Msg("Failed to write relay command")
		return &LinkError{Op: "write", Relay: index, Err: werr}
	}

	c.lastCommandAt = now
	if c.pollInFlight {
		c.pollStale[index] = true
	}
	c.setHealthy(true)
	datadog.Count("relay.commands", 1, append(tags, "result:ok")...)
	log.Info().
		Int("relay", index).
		Str("name", ch.Name()).
		Str("state", string(state)).
		Uint8("seq", seq).
		Msg("Relay command sent")

	if c.opts.AckMode == model.AckAwait {
		c.pending = &pendingCommand{relay: index, state: state, seq: seq, sentAt: now}
		return nil
	}
	c.confirm(ch, state, now, "command")
	return nil
}

// write puts frame on the transport, waiting at most WriteTimeout. A write
// that times out keeps the link stalled until the transport returns, so
// frames never overlap. Callers hold c.wire.
func (c *Controller) write(frame []byte) error {
	if c.stalled != nil {
		select {
		case <-c.stalled:
			c.stalled = nil
		default:
			return ErrLinkStalled
		}
	}

	done := make(chan error, 1)
	go func() {
		n, err := c.transport.Write(frame)
		if err == nil && n != len(frame) {
			err = io.ErrShortWrite
		}
		done <- err
	}()

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		stalled := make(chan struct{})
		go func() {
			<-done
			close(stalled)
		}()
		c.stalled = stalled
		return ErrWriteTimeout
	}
}

// Loop runs one tick of the cooperative loop: pending-command expiry,
// status polling and incoming frame handling.
func (c *Controller) Loop(now time.Time) {
	c.expirePending(now)
	c.pollStatus(now)
	c.pollIncoming(now)
	c.flush()
}

// Run drives Loop every interval until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("controller", c.opts.Name).Dur("interval", interval).Msg("Starting relay controller loop")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("controller", c.opts.Name).Msg("Relay controller loop stopped")
			return
		case <-ticker.C:
			c.Loop(c.opts.Clock())
		}
	}
}

// PollIncoming reads whatever the transport has buffered and applies every
// complete frame. Malformed bytes are dropped; a partial frame is kept for
// the next call.
func (c *Controller) PollIncoming() {
	c.pollIncoming(c.opts.Clock())
	c.flush()
}

func (c *Controller) pollIncoming(now time.Time) {
	data, err := c.transport.ReadAvailable()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		log.Warn().Err(err).Str("controller", c.opts.Name).Msg("Failed to read from transport")
		datadog.Count("relay.read_errors", 1, "controller:"+c.opts.Name)
		c.setHealthy(false)
	}
	if len(data) == 0 && len(c.rx) == 0 {
		return
	}

	buf := append(c.rx, data...)
	for len(buf) > 0 {
		f, n, err := codec.Decode(buf)
		if errors.Is(err, codec.ErrIncomplete) {
			break
		}
		if err != nil {
			log.Warn().Err(err).Int("dropped", n).Msg("Discarding malformed bytes from relay board")
			datadog.Count("relay.malformed_bytes", int64(n), "controller:"+c.opts.Name)
			buf = buf[n:]
			continue
		}
		buf = buf[n:]
		c.handleFrame(f, now)
	}
	c.rx = append(c.rx[:0], buf...)
}

func (c *Controller) handleFrame(f codec.Frame, now time.Time) {
	log.Debug().
		Str("kind", f.Kind.String()).
		Uint8("source", f.Source).
		Uint8("seq", f.Seq).
		Int("reports", len(f.Reports)).
		Msg("Decoded relay board frame")

	if f.Source == codec.HostSource {
		// our own frame echoed back by the bus, it proves nothing
		return
	}

	source := "ack"
	var stale [codec.MaxRelay + 1]bool
	switch f.Kind {
	case codec.KindStatusQuery:
		return
	case codec.KindStatusReport:
		source = "status"
		if c.pollInFlight {
			stale = c.pollStale
		}
		c.pollInFlight = false
		c.pollStale = [codec.MaxRelay + 1]bool{}
		c.missedPolls = 0
	}
	c.setHealthy(true)

	for _, r := range f.Reports {
		ch, ok := c.channels[r.Relay]
		if !ok {
			continue
		}
		if stale[r.Relay] {
			log.Debug().Int("relay", r.Relay).Msg("Ignoring status report older than the last command")
			continue
		}
		if p := c.pending; p != nil && p.relay == r.Relay {
			if f.Kind == codec.KindStatusReport && r.State != p.state {
				// the report may predate the command, keep waiting
				continue
			}
			c.pending = nil
		}
		c.confirm(ch, r.State, now, source)
	}
}

func (c *Controller) expirePending(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.pending
	if p == nil || now.Sub(p.sentAt) < c.opts.AckTimeout {
		return
	}
	c.pending = nil
	if ch, ok := c.channels[p.relay]; ok {
		ch.revert()
	}
	c.setHealthy(false)
	datadog.Count("relay.ack_timeouts", 1, fmt.Sprintf("relay:%d", p.relay), "controller:"+c.opts.Name)
	log.Warn().
		Int("relay", p.relay).
		Str("state", string(p.state)).
		Uint8("seq", p.seq).
		Dur("waited", now.Sub(p.sentAt)).
		Msg("Relay command was not confirmed, reverting")
}

func (c *Controller) pollStatus(now time.Time) {
	if c.opts.PollInterval <= 0 {
		return
	}
	// a command is on the wire, try again next tick
	if !c.wire.TryLock() {
		return
	}
	defer c.wire.Unlock()

	c.mu.Lock()
	if c.pollInFlight && now.Sub(c.pollStarted) >= c.opts.PollTimeout {
		c.pollInFlight = false
		c.missedPolls++
		datadog.Count("relay.poll_timeouts", 1, "controller:"+c.opts.Name)
		log.Warn().Int("missed", c.missedPolls).Msg("Relay board status poll timed out")
		if c.missedPolls >= maxMissedPolls {
			c.setHealthy(false)
		}
	}
	due := !c.pollInFlight && c.pending == nil &&
		(c.lastPoll.IsZero() || now.Sub(c.lastPoll) >= c.opts.PollInterval)
	if !due {
		c.mu.Unlock()
		return
	}
	seq := c.nextSeq()
	c.mu.Unlock()

	err := c.write(codec.EncodeStatusQuery(c.opts.Address, seq))

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPoll = now
	if err != nil {
		c.setHealthy(false)
		log.Warn().Err(err).Msg("Failed to send relay status query")
		return
	}
	c.pollInFlight = true
	c.pollStarted = now
	c.pollStale = [codec.MaxRelay + 1]bool{}
}

// confirm is called with c.mu held.
func (c *Controller) confirm(ch *Channel, state model.RelayState, at time.Time, source string) {
	if !ch.confirm(state, at) {
		return
	}
	c.outbox = append(c.outbox, event{change: &stateChange{ch: ch, state: state, at: at, source: source}})

	value := 0.0
	if state == model.StateOn {
		value = 1
	}
	datadog.Gauge("relay.state", value, fmt.Sprintf("relay:%d", ch.Index()), "controller:"+c.opts.Name)
	log.Info().
		Int("relay", ch.Index()).
		Str("name", ch.Name()).
		Str("state", string(state)).
		Str("source", source).
		Msg("Relay state confirmed")
}

// setHealthy is called with c.mu held.
func (c *Controller) setHealthy(healthy bool) {
	if c.healthy == healthy {
		return
	}
	c.healthy = healthy
	c.outbox = append(c.outbox, event{link: &healthy})

	value := 0.0
	if healthy {
		value = 1
	}
	datadog.Gauge("relay.link_healthy", value, "controller:"+c.opts.Name)
	if healthy {
		log.Info().Str("controller", c.opts.Name).Msg("Relay board link restored")
	} else {
		log.Warn().Str("controller", c.opts.Name).Msg("Relay board link unhealthy")
	}
}

// nextSeq is called with c.mu held.
func (c *Controller) nextSeq() byte {
	seq := c.seq
	c.seq++
	return seq
}

// flush delivers queued events. A caller that finds another goroutine
// already flushing returns at once; that goroutine delivers the new events
// after the ones it holds, so listeners see changes in the order they were
// confirmed.
func (c *Controller) flush() {
	c.mu.Lock()
	if c.flushing {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	for len(c.outbox) > 0 {
		batch := c.outbox
		c.outbox = nil
		c.mu.Unlock()

		for _, ev := range batch {
			c.deliver(ev)
		}

		c.mu.Lock()
	}
	c.flushing = false
	c.mu.Unlock()
}

func (c *Controller) deliver(ev event) {
	rec := c.opts.Recorder
	switch {
	case ev.command != nil:
		if rec != nil {
			cmd := ev.command
			rec.RecordCommand(cmd.at, cmd.relay, cmd.state, cmd.seq, cmd.err)
		}
	case ev.change != nil:
		sc := ev.change
		if rec != nil {
			rec.RecordStateChange(sc.at, sc.ch.Index(), sc.state, sc.source)
		}
		sc.ch.notify(sc.state)
	case ev.link != nil:
		if c.opts.OnLinkChange != nil {
			c.opts.OnLinkChange(*ev.link)
		}
	}
}
