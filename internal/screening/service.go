package screening

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/mbd888/chatshield/internal/idgen"
	"github.com/mbd888/chatshield/internal/logging"
	"github.com/mbd888/chatshield/internal/metrics"
	"github.com/mbd888/chatshield/internal/pagination"
	"github.com/mbd888/chatshield/internal/patterns"
	"github.com/mbd888/chatshield/internal/risk"
	"github.com/mbd888/chatshield/internal/rollup"
	"github.com/mbd888/chatshield/internal/traces"
	"github.com/mbd888/chatshield/internal/validation"
)

// DefaultMaxChars bounds message length when no limit is configured.
const DefaultMaxChars = 10000

// Service screens messages.
type Service struct {
	registry   *patterns.Registry
	acc        *risk.Accumulator
	signals    risk.SignalStore
	events     EventSink
	publisher  Publisher
	failClosed risk.Status
	maxChars   int
	now        func() time.Time
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithEventSink sends rollup events for every screening.
func WithEventSink(sink EventSink) Option { return func(s *Service) { s.events = sink } }

// WithPublisher broadcasts signals and status changes.
func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

// WithFailClosedStatus sets the status reported when the score store is
// unavailable.
func WithFailClosedStatus(st risk.Status) Option { return func(s *Service) { s.failClosed = st } }

// WithMaxChars sets the maximum message length in characters.
func WithMaxChars(n int) Option { return func(s *Service) { s.maxChars = n } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService creates a screening service.
func NewService(registry *patterns.Registry, acc *risk.Accumulator, signals risk.SignalStore, opts ...Option) *Service {
	s := &Service{
		registry:   registry,
		acc:        acc,
		signals:    signals,
		failClosed: risk.StatusRestricted,
		maxChars:   DefaultMaxChars,
		now:        time.Now,
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Validate checks a message before any matching happens.
func (s *Service) Validate(msg Message) error {
	errs := validation.Struct(msg)
	if len(errs) == 0 {
		errs = validation.Var("text", msg.Text, "max="+strconv.Itoa(s.maxChars))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, errs)
	}
	return nil
}

// Screen matches msg, records a risk signal when anything matched, and
// returns the sender's resulting action. When the score store cannot be
// reached the verdict is Degraded and carries the fail-closed status.
func (s *Service) Screen(ctx context.Context, msg Message) (*Verdict, error) {
	if err := s.Validate(msg); err != nil {
		return nil, err
	}
	m := s.registry.Current()
	if m == nil {
		return nil, ErrNoPatternSet
	}

	ctx, span := traces.StartSpan(ctx, "screening.Screen",
		traces.UserID(msg.UserID), traces.MessageID(msg.MessageID), traces.PatternSetVersion(m.Version()))
	defer span.End()

	now := s.now().UTC()
	matches := m.Match(msg.Text)
	severity := patterns.Severity(matches)
	for _, match := range matches {
		metrics.PatternMatchesTotal.WithLabelValues(string(match.Category)).Inc()
	}

	v := &Verdict{
		MessageID:         msg.MessageID,
		UserID:            msg.UserID,
		Severity:          severity,
		Matches:           matches,
		PatternSetVersion: m.Version(),
		ScreenedAt:        now,
	}

	var signal *risk.RiskSignal
	var err error
	if severity > 0 {
		signal = &risk.RiskSignal{
			ID:                idgen.Sortable(idgen.PrefixSignal, now),
			MessageID:         msg.MessageID,
			UserID:            msg.UserID,
			PatternSetVersion: m.Version(),
			MatchedPatterns:   matches,
			Severity:          severity,
			CreatedAt:         now,
		}
		err = s.accumulate(ctx, v, signal)
	} else {
		err = s.preview(ctx, v)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		traces.RecordError(span, err)
		metrics.ScreeningsDegradedTotal.Inc()
		s.logger.Warn("screening degraded, failing closed",
			"user_id", msg.UserID, "message_id", msg.MessageID, "status", s.failClosed, "error", err)
		v.Degraded = true
		v.Status = s.failClosed
		v.PreviousStatus = ""
		v.Score = 0
	}

	v.Action = ActionFor(v.Status)
	metrics.ScreeningsTotal.WithLabelValues(string(v.Action)).Inc()
	span.SetAttributes(traces.RiskStatus(string(v.Status)), traces.Severity(severity))

	if v.SignalID == "" {
		signal = nil
	}
	s.emit(v, signal)
	return v, nil
}

// accumulate records the signal then applies its severity. The signal is
// stored first so every score increase has an audit record.
func (s *Service) accumulate(ctx context.Context, v *Verdict, signal *risk.RiskSignal) error {
	if err := s.signals.Record(ctx, signal); err != nil {
		metrics.StoreFailuresTotal.WithLabelValues("risk_signals").Inc()
		return fmt.Errorf("%w: record signal: %w", risk.ErrStoreUnavailable, err)
	}
	v.SignalID = signal.ID

	out, err := s.acc.Accumulate(ctx, v.UserID, signal.Severity)
	if err != nil {
		return err
	}
	v.PreviousStatus = out.Previous
	v.Status = out.Score.Status
	v.Score = out.Score.Score
	return nil
}

func (s *Service) preview(ctx context.Context, v *Verdict) error {
	cur, err := s.acc.GetStatus(ctx, v.UserID)
	if err != nil {
		return err
	}
	v.Status = cur.Status
	v.Score = cur.Score
	return nil
}

// emit forwards the screening to the rollup event log and the live feed.
func (s *Service) emit(v *Verdict, signal *risk.RiskSignal) {
	if s.events != nil {
		events := []rollup.Event{{
			ID:         idgen.WithPrefix(idgen.PrefixEvent),
			Kind:       rollup.KindMessageScreened,
			Category:   string(v.Action),
			OccurredAt: v.ScreenedAt,
		}}
		if signal != nil {
			for _, m := range signal.MatchedPatterns {
				events = append(events, rollup.Event{
					ID:         idgen.WithPrefix(idgen.PrefixEvent),
					Kind:       rollup.KindSignalRecorded,
					Category:   string(m.Category),
					Amount:     int64(m.Weight),
					OccurredAt: v.ScreenedAt,
				})
			}
		}
		if v.StatusChanged() {
			events = append(events, rollup.Event{
				ID:         idgen.WithPrefix(idgen.PrefixEvent),
				Kind:       rollup.KindStatusChanged,
				Category:   string(v.Status),
				Amount:     int64(v.Score),
				OccurredAt: v.ScreenedAt,
			})
		}
		s.events.Send(events...)
	}

	if s.publisher != nil {
		if signal != nil {
			s.publisher.PublishSignal(signal)
		}
		if v.StatusChanged() {
			s.publisher.PublishStatusChange(v.UserID, v.PreviousStatus, v.Status, v.Score)
		}
	}
}

// Status returns the decayed risk score for userID without changing it.
func (s *Service) Status(ctx context.Context, userID string) (*risk.UserRiskScore, error) {
	if !validation.IsValidID(userID) {
		return nil, fmt.Errorf("%w: invalid user id", ErrInvalidMessage)
	}
	return s.acc.GetStatus(ctx, userID)
}

// Signals returns up to limit signals for userID, newest first, starting
// after cursor. The returned cursor is empty when no older signals remain.
func (s *Service) Signals(ctx context.Context, userID string, limit int, cursor string) ([]*risk.RiskSignal, string, error) {
	if !validation.IsValidID(userID) {
		return nil, "", fmt.Errorf("%w: invalid user id", ErrInvalidMessage)
	}
	c, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	sigs, err := s.signals.ListByUser(ctx, userID, limit+1, risk.WithCursor(c))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %w", risk.ErrStoreUnavailable, err)
	}
	page := pagination.ComputePage(sigs, limit, func(sig *risk.RiskSignal) (time.Time, string) {
		return sig.CreatedAt, sig.ID
	})
	return page.Items, page.Next, nil
}

// PatternSet returns the active matcher.
func (s *Service) PatternSet() *patterns.Matcher {
	return s.registry.Current()
}

// ReloadPatterns re-reads the pattern file. The active set is kept when
// the file is invalid.
func (s *Service) ReloadPatterns(ctx context.Context) (*patterns.Matcher, error) {
	return s.registry.Reload(ctx)
}

// IsDegraded reports whether err means the store could not be reached.
func IsDegraded(err error) bool {
	return errors.Is(err, risk.ErrStoreUnavailable)
}
