package infra

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"rental-gateway/middleware/ratelimit/domain"
)

// SelectorOptions configura o seletor de backend.
type SelectorOptions struct {
	// Redis nil significa "somente local", configuração válida.
	Redis *redis.Options

	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	GracePeriod    time.Duration
	// CheckInterval <= 0 desliga o PING periódico; só comandos com erro
	// disparam o monitor.
	CheckInterval time.Duration

	KeyPrefix string
	Local     *MemoryStore
	Logger    *slog.Logger
	Instance  string
}

func (o *SelectorOptions) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 8 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = "rl"
	}
	if o.Local == nil {
		o.Local = NewMemoryStore()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Selector escolhe o contador ativo e o implementa (domain.Backend), repassando
// cada chamada para o backend corrente. Depois que o cliente distribuído é
// descartado, trabalho novo vai para o MemoryStore; chamadas em voo no cliente
// morto falham rápido e cabe a quem chama decidir (o middleware libera).
//
// Não há reconexão: restaurar o modo distribuído exige reiniciar o processo.
type Selector struct {
	opts   SelectorOptions
	logger *slog.Logger
	local  *MemoryStore
	active atomic.Pointer[backendRef]

	mu          sync.Mutex
	state       domain.BackendState
	reason      string
	client      *redis.Client
	hook        *signalHook
	subscribers map[int]chan domain.StateChange
	nextSub     int

	signals   chan domain.Signal
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

type backendRef struct {
	domain.Backend
}

var _ domain.Backend = (*Selector)(nil)

// NewSelector nunca falha: qualquer problema com o store distribuído vira
// "usar local" e só aparece no log.
func NewSelector(ctx context.Context, opts SelectorOptions) *Selector {
	opts.applyDefaults()
	s := &Selector{
		opts:        opts,
		logger:      opts.Logger.With("component", "ratelimit-backend", "instance", opts.Instance),
		local:       opts.Local,
		subscribers: make(map[int]chan domain.StateChange),
		signals:     make(chan domain.Signal, 1),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.active.Store(&backendRef{s.local})

	if opts.Redis == nil {
		s.state = domain.StateClosed
		s.reason = "distributed store not configured"
		s.logger.Info("rate limiter using local backend", "backend", domain.BackendLocal, "reason", s.reason)
		close(s.done)
		return s
	}

	s.state = domain.StateConnecting
	if err := s.connect(ctx); err != nil {
		s.transition(domain.StateDegraded, err.Error())
		s.logger.Warn("distributed rate limit store unavailable, falling back to local backend",
			"backend", domain.BackendLocal, "addr", opts.Redis.Addr, "error", err)
		close(s.done)
		return s
	}

	s.logger.Info("rate limiter using distributed backend", "backend", domain.BackendDistributed, "addr", opts.Redis.Addr)
	go s.monitor()
	return s
}

func (s *Selector) connect(ctx context.Context) error {
	redisOpts := *s.opts.Redis
	if redisOpts.DialTimeout <= 0 || redisOpts.DialTimeout > s.opts.ConnectTimeout {
		redisOpts.DialTimeout = s.opts.ConnectTimeout
	}
	client := redis.NewClient(&redisOpts)

	connectCtx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	err := client.Ping(connectCtx).Err()
	cancel()
	if err != nil {
		_ = client.Close()
		return domain.Wrapf(domain.BackendUnavailable, "connect %s: %w", redisOpts.Addr, err)
	}

	store := NewRedisStore(client, WithKeyPrefix(s.opts.KeyPrefix))
	if err := s.probe(ctx, store); err != nil {
		_ = client.Close()
		return domain.Wrapf(domain.BackendUnavailable, "probe %s: %w", redisOpts.Addr, err)
	}

	hook := &signalHook{
		signal:   s.signal,
		logger:   s.logger,
		logEvery: rate.Sometimes{Interval: 10 * time.Second},
	}
	client.AddHook(hook)

	s.mu.Lock()
	s.client = client
	s.hook = hook
	s.mu.Unlock()

	s.active.Store(&backendRef{store})
	s.transition(domain.StateReady, "connected")
	return nil
}

// probe corre contra o próprio timeout; um store que aceita a conexão mas
// trava não segura o boot além de ProbeTimeout.
func (s *Selector) probe(ctx context.Context, store *RedisStore) error {
	probeCtx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- store.Probe(probeCtx) }()

	select {
	case err := <-errc:
		return err
	case <-probeCtx.Done():
		return probeCtx.Err()
	}
}

func (s *Selector) monitor() {
	defer close(s.done)

	var tick <-chan time.Time
	if s.opts.CheckInterval > 0 {
		t := time.NewTicker(s.opts.CheckInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-s.stop:
			return
		case <-tick:
			if err := s.statusCheck(); err != nil {
				s.signal(domain.SignalError)
			}
		case sig := <-s.signals:
			switch sig {
			case domain.SignalClose:
				s.teardown(domain.StateClosed, "connection closed")
				return
			case domain.SignalError:
				if s.recovered() {
					continue
				}
				s.teardown(domain.StateDegraded, "did not recover within grace period")
				return
			}
		}
	}
}

// recovered espera a carência e faz um status check. Sinais recebidos durante
// a espera são absorvidos por este ciclo, exceto close.
func (s *Selector) recovered() bool {
	timer := time.NewTimer(s.opts.GracePeriod)
	defer timer.Stop()

	select {
	case <-s.stop:
		return true
	case <-timer.C:
	}

	select {
	case sig := <-s.signals:
		if sig == domain.SignalClose {
			s.signal(domain.SignalClose)
			return true
		}
	default:
	}

	if err := s.statusCheck(); err != nil {
		s.logger.Warn("distributed rate limit store failed status check", "error", err)
		return false
	}
	s.logger.Info("distributed rate limit store recovered within grace period")
	return true
}

func (s *Selector) statusCheck() error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return domain.Wrap(domain.BackendRuntimeFailure, "no distributed client")
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ProbeTimeout)
	defer cancel()
	return client.Ping(ctx).Err()
}

// teardown descarta o cliente distribuído: desliga o hook, fecha a conexão,
// limpa a referência e volta o trabalho novo para o MemoryStore.
func (s *Selector) teardown(to domain.BackendState, reason string) {
	s.mu.Lock()
	client, hook := s.client, s.hook
	s.client, s.hook = nil, nil
	s.mu.Unlock()

	if client == nil {
		return
	}

	hook.detach()
	s.active.Store(&backendRef{s.local})
	if err := client.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		s.logger.Debug("closing distributed client", "error", err)
	}

	s.transition(to, reason)
	if reason == "shutdown" {
		s.logger.Info("distributed rate limit client closed", "reason", reason)
		return
	}
	s.logger.Warn("distributed rate limit store abandoned, using local backend until restart",
		"backend", domain.BackendLocal, "state", to.String(), "reason", reason)
}

// signal não bloqueia; sinais em excesso são aglutinados.
func (s *Selector) signal(sig domain.Signal) {
	select {
	case s.signals <- sig:
	default:
		if sig == domain.SignalClose {
			// close tem prioridade sobre um erro pendente
			select {
			case <-s.signals:
			default:
			}
			select {
			case s.signals <- sig:
			default:
			}
		}
	}
}

func (s *Selector) transition(to domain.BackendState, reason string) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.reason = reason
	change := domain.StateChange{From: from, To: to, Reason: reason, At: time.Now()}
	subs := make([]chan domain.StateChange, 0, len(s.subscribers))
	for _, ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// Subscribe devolve as próximas transições de estado. Assinantes lentos perdem
// eventos; o estado atual está sempre em State().
func (s *Selector) Subscribe() (<-chan domain.StateChange, func()) {
	ch := make(chan domain.StateChange, 8)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

func (s *Selector) State() domain.BackendState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Local expõe o contador local (janitor, testes).
func (s *Selector) Local() *MemoryStore { return s.local }

func (s *Selector) current() domain.Backend { return s.active.Load().Backend }

func (s *Selector) Kind() domain.BackendKind { return s.current().Kind() }

func (s *Selector) Consume(ctx context.Context, key domain.ClientKey, policy domain.PolicyConfig) (domain.ConsumptionResult, error) {
	return s.current().Consume(ctx, key, policy)
}

func (s *Selector) Query(ctx context.Context, key domain.ClientKey, policy domain.PolicyConfig) (domain.ConsumptionResult, error) {
	return s.current().Query(ctx, key, policy)
}

func (s *Selector) Reset(ctx context.Context, key domain.ClientKey, policy domain.PolicyConfig) error {
	return s.current().Reset(ctx, key, policy)
}

// Health reporta o backend ativo. O modo local é sempre saudável: é o
// fallback que mantém o serviço disponível.
func (s *Selector) Health(ctx context.Context) domain.Health {
	s.mu.Lock()
	state, reason, client := s.state, s.reason, s.client
	s.mu.Unlock()

	h := domain.Health{
		Backend:  s.Kind(),
		State:    state.String(),
		Instance: s.opts.Instance,
	}
	if h.Backend == domain.BackendLocal || client == nil {
		h.Backend = domain.BackendLocal
		h.Healthy = true
		h.Message = "using in-process counters (" + reason + "); limits apply per process"
		return h
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		h.Message = "distributed store unreachable: " + err.Error()
		return h
	}
	h.Healthy = true
	h.Message = "distributed counters active"
	return h
}

// Close encerra o monitor e fecha o cliente distribuído, se houver.
func (s *Selector) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	<-s.done
	s.teardown(domain.StateClosed, "shutdown")
	return nil
}

// signalHook traduz falhas de comando do go-redis em sinais para o monitor.
// Respostas de erro do servidor (NOSCRIPT, WRONGTYPE) e redis.Nil provam que o
// servidor está vivo e não sinalizam.
type signalHook struct {
	signal   func(domain.Signal)
	logger   *slog.Logger
	detached atomic.Bool
	logEvery rate.Sometimes
}

func (h *signalHook) detach() { h.detached.Store(true) }

func (h *signalHook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		h.observe(err)
		return conn, err
	}
}

func (h *signalHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		h.observe(err)
		return err
	}
}

func (h *signalHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		h.observe(err)
		return err
	}
}

func (h *signalHook) observe(err error) {
	if err == nil || h.detached.Load() {
		return
	}
	sig, ok := classifySignal(err)
	if !ok {
		return
	}
	h.logEvery.Do(func() {
		h.logger.Warn("distributed rate limit store command failed", "error", err)
	})
	h.signal(sig)
}

func classifySignal(err error) (domain.Signal, bool) {
	switch {
	case errors.Is(err, redis.Nil):
		return 0, false
	case errors.Is(err, redis.ErrClosed):
		return domain.SignalClose, true
	case errors.Is(err, context.Canceled):
		// o chamador desistiu; não diz nada sobre o store
		return 0, false
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return 0, false
	}
	return domain.SignalError, true
}
