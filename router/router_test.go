package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charla-io/charla/core/config"
	"github.com/charla-io/charla/core/tenant"
	"github.com/charla-io/charla/infrastructure/ephemeral"
	"github.com/charla-io/charla/orchestrator"
	pkgError "github.com/charla-io/charla/pkg/error"
)

// --- Fakes en memoria ---

type memTenantRepo struct {
	workspace tenant.Workspace
	channel   tenant.Channel
}

func (r *memTenantRepo) GetWorkspace(_ context.Context, id string) (tenant.Workspace, error) {
	return r.workspace, nil
}

func (r *memTenantRepo) GetChannelByPhone(_ context.Context, phone string) (tenant.Channel, error) {
	if phone != r.channel.DisplayPhone {
		return tenant.Channel{}, tenant.ErrChannelNotFound
	}
	return r.channel, nil
}

func (r *memTenantRepo) UpsertContact(_ context.Context, workspaceID, phone, name string) (tenant.Contact, error) {
	return tenant.Contact{ID: "contact-" + phone, WorkspaceID: workspaceID, Phone: phone, Name: name}, nil
}

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) SetIfAbsent(_ context.Context, workspaceID, providerMessageID string, _ time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen == nil {
		d.seen = map[string]bool{}
	}
	key := workspaceID + ":" + providerMessageID
	if d.seen[key] {
		return false, nil
	}
	d.seen[key] = true
	return true, nil
}

type memBuffer struct {
	mu    sync.Mutex
	lists map[string][]ephemeral.BufferedMessage
}

func (b *memBuffer) Append(_ context.Context, workspaceID, contactID string, msg ephemeral.BufferedMessage) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lists == nil {
		b.lists = map[string][]ephemeral.BufferedMessage{}
	}
	key := workspaceID + ":" + contactID
	b.lists[key] = append(b.lists[key], msg)
	return len(b.lists[key]), nil
}

func (b *memBuffer) Flush(_ context.Context, workspaceID, contactID string) ([]ephemeral.BufferedMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := workspaceID + ":" + contactID
	out := b.lists[key]
	delete(b.lists, key)
	return out, nil
}

type memLimiter struct{ allow bool }

func (l *memLimiter) Allow(_ context.Context, _, _ string) (bool, error) { return l.allow, nil }

type memRouterRepo struct {
	mu       sync.Mutex
	conv     Conversation
	messages []Message
	states   map[string]ConversationState
}

func (r *memRouterRepo) OpenConversation(_ context.Context, workspaceID, channelID, contactID string) (Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conv.ID == "" {
		r.conv = Conversation{ID: "conv-1", WorkspaceID: workspaceID, ChannelID: channelID, ContactID: contactID, Status: "open"}
	}
	return r.conv, nil
}

func (r *memRouterRepo) SaveMessage(_ context.Context, _ string, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	return nil
}

func (r *memRouterRepo) ListMessages(_ context.Context, _, _ string, _ int) ([]Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message{}, r.messages...), nil
}

func (r *memRouterRepo) GetState(_ context.Context, workspaceID, conversationID string) (ConversationState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.states[conversationID]; ok {
		return st, nil
	}
	return ConversationState{ConversationID: conversationID, WorkspaceID: workspaceID, Slots: map[string]any{}}, nil
}

func (r *memRouterRepo) SaveState(_ context.Context, _ string, state ConversationState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.states == nil {
		r.states = map[string]ConversationState{}
	}
	r.states[state.ConversationID] = state
	return nil
}

func (r *memRouterRepo) CloseConversation(_ context.Context, _, _ string) error { return nil }

func (r *memRouterRepo) snapshotMessages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message{}, r.messages...)
}

type fakeDecider struct {
	mu     sync.Mutex
	inputs []string
}

func (d *fakeDecider) Decide(_ context.Context, _ string, snap orchestrator.Snapshot) (*orchestrator.Decision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inputs = append(d.inputs, snap.UserInput)
	return &orchestrator.Decision{
		Assistant:  "¡Hola! ¿En qué te ayudo?",
		Slots:      snap.Slots,
		NextAction: orchestrator.ActionGreet,
	}, nil
}

func (d *fakeDecider) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string{}, d.inputs...)
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	toNum []string
}

func (s *fakeSender) SendMessage(_ context.Context, _, to, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, body)
	s.toNum = append(s.toNum, to)
	return "SM-out-1", nil
}

func newTestRouter(t *testing.T, window time.Duration, debounceMax int) (*Service, *memRouterRepo, *fakeDecider, *fakeSender) {
	t.Helper()
	tenantRepo := &memTenantRepo{
		workspace: tenant.Workspace{ID: "ws-1", Vertical: tenant.VerticalFoodService, Enabled: true},
		channel:   tenant.Channel{ID: "ch-1", WorkspaceID: "ws-1", DisplayPhone: "+5491155550000", Status: "active"},
	}
	repo := &memRouterRepo{}
	decider := &fakeDecider{}
	sender := &fakeSender{}
	svc := NewService(
		tenant.NewResolver(tenantRepo),
		repo,
		&memDedup{},
		&memBuffer{},
		&memLimiter{allow: true},
		decider,
		sender,
		config.RouterConfig{DebounceWindow: window, DebounceMax: debounceMax, MaxBodyChars: 2000},
	)
	t.Cleanup(svc.Shutdown)
	return svc, repo, decider, sender
}

func inbound(sid, body string) Inbound {
	return Inbound{
		From:        "whatsapp:+5491111111111",
		To:          "whatsapp:+5491155550000",
		Body:        body,
		ProviderSID: sid,
	}
}

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("whatsapp:+54 9 11 1111-1111")
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+5491111111111", got)

	got, err = NormalizePhone("5491111111111")
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+5491111111111", got)

	_, err = NormalizePhone("no-es-un-telefono")
	var verr pkgError.ValidationError
	assert.ErrorAs(t, err, &verr)
}

// El mismo MessageSid dos veces: el segundo no pasa del dedup.
func TestHandleInboundDeduplicates(t *testing.T) {
	svc, repo, _, _ := newTestRouter(t, 50*time.Millisecond, 5)

	first, err := svc.HandleInbound(context.Background(), inbound("SMx1", "Hola"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, first.NextAction)

	second, err := svc.HandleInbound(context.Background(), inbound("SMx1", "Hola"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, second.NextAction)

	// Solo un mensaje original persistido.
	assert.Len(t, repo.snapshotMessages(), 1)
}

// Tres mensajes dentro de la ventana se agregan en un unico turno sintetico
// y el orquestador se invoca exactamente una vez.
func TestHandleInboundDebounceAggregation(t *testing.T) {
	svc, repo, decider, sender := newTestRouter(t, 60*time.Millisecond, 5)

	for i, body := range []string{"Hola", "quiero pedir", "2 pizzas"} {
		res, err := svc.HandleInbound(context.Background(), inbound("SM"+string(rune('a'+i)), body))
		require.NoError(t, err)
		assert.Equal(t, OutcomeBuffered, res.NextAction)
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return len(decider.calls()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	calls := decider.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "Hola quiero pedir 2 pizzas", calls[0])

	// 3 originales + 1 sintetico + 1 respuesta del asistente.
	require.Eventually(t, func() bool {
		return len(repo.snapshotMessages()) == 5
	}, 2*time.Second, 10*time.Millisecond)
	msgs := repo.snapshotMessages()

	var synthetic *Message
	for i := range msgs {
		if msgs[i].Metadata != nil && msgs[i].Metadata["synthetic"] == true {
			synthetic = &msgs[i]
		}
	}
	require.NotNil(t, synthetic)
	assert.Equal(t, "Hola quiero pedir 2 pizzas", synthetic.Content)
	assert.Contains(t, synthetic.ProviderMessageID, ":agg")
	ids, ok := synthetic.Metadata["source_message_ids"].([]string)
	require.True(t, ok)
	assert.Len(t, ids, 3)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "whatsapp:+5491111111111", sender.toNum[0])
}

// Al llegar al tope del buffer el flush no espera la ventana.
func TestHandleInboundDebounceCapFlushesImmediately(t *testing.T) {
	svc, _, decider, _ := newTestRouter(t, time.Hour, 2)

	res, err := svc.HandleInbound(context.Background(), inbound("SM1", "Hola"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBuffered, res.NextAction)

	res, err = svc.HandleInbound(context.Background(), inbound("SM2", "quiero pedir"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, res.NextAction)

	require.Eventually(t, func() bool {
		return len(decider.calls()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Hola quiero pedir", decider.calls()[0])
}

func TestHandleInboundRateLimited(t *testing.T) {
	tenantRepo := &memTenantRepo{
		workspace: tenant.Workspace{ID: "ws-1", Vertical: tenant.VerticalFoodService},
		channel:   tenant.Channel{ID: "ch-1", WorkspaceID: "ws-1", DisplayPhone: "+5491155550000"},
	}
	svc := NewService(
		tenant.NewResolver(tenantRepo), &memRouterRepo{}, &memDedup{}, &memBuffer{},
		&memLimiter{allow: false}, &fakeDecider{}, &fakeSender{},
		config.RouterConfig{DebounceWindow: 50 * time.Millisecond, DebounceMax: 5, MaxBodyChars: 2000},
	)
	defer svc.Shutdown()

	_, err := svc.HandleInbound(context.Background(), inbound("SM1", "Hola"))
	var rl pkgError.RateLimitedError
	require.ErrorAs(t, err, &rl)
}

func TestHandleInboundRejectsOversizedBody(t *testing.T) {
	svc, _, _, _ := newTestRouter(t, 50*time.Millisecond, 5)

	big := make([]byte, 2001)
	for i := range big {
		big[i] = 'a'
	}
	_, err := svc.HandleInbound(context.Background(), inbound("SM1", string(big)))
	var verr pkgError.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestHandleInboundUnknownChannel(t *testing.T) {
	svc, _, _, _ := newTestRouter(t, 50*time.Millisecond, 5)

	in := inbound("SM1", "Hola")
	in.To = "whatsapp:+5491100000000"
	_, err := svc.HandleInbound(context.Background(), in)
	var nf pkgError.NotFoundError
	require.ErrorAs(t, err, &nf)
}

// Shutdown cancela el flush diferido pendiente.
func TestShutdownCancelsPendingFlush(t *testing.T) {
	svc, _, decider, _ := newTestRouter(t, 80*time.Millisecond, 5)

	_, err := svc.HandleInbound(context.Background(), inbound("SM1", "Hola"))
	require.NoError(t, err)

	svc.Shutdown()
	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, decider.calls())
}

// El estado persistido tras el turno refleja la decision del orquestador.
func TestFlushPersistsConversationState(t *testing.T) {
	svc, repo, _, _ := newTestRouter(t, 40*time.Millisecond, 5)

	_, err := svc.HandleInbound(context.Background(), inbound("SM1", "Hola"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		repo.mu.Lock()
		defer repo.mu.Unlock()
		_, ok := repo.states["conv-1"]
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	repo.mu.Lock()
	st := repo.states["conv-1"]
	repo.mu.Unlock()
	assert.True(t, st.Greeted)
	assert.Equal(t, string(orchestrator.ActionGreet), st.LastAction)
}
