package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-chat/internal/bus"
	"github.com/loqalabs/loqa-chat/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Service exposes the streamer over the NATS bus: requests arrive on
// chat.request and every stream event is republished on the
// per-session event subject.
type Service struct {
	bus      *bus.Client
	streamer *Streamer
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	ready    bool
	logger   *slog.Logger

	requests   metric.Int64Counter
	tokens     metric.Int64Counter
	streamErrs metric.Int64Counter
}

func NewService(parent context.Context, busClient *bus.Client, streamer *Streamer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	meter := otel.Meter("loqa-chat/chat")
	requests, _ := meter.Int64Counter("chat.requests")
	tokens, _ := meter.Int64Counter("chat.completion_tokens")
	streamErrs, _ := meter.Int64Counter("chat.stream_errors")
	return &Service{
		bus:        busClient,
		streamer:   streamer,
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.With(slog.String("component", "chat-service")),
		requests:   requests,
		tokens:     tokens,
		streamErrs: streamErrs,
	}
}

func (s *Service) Start() error {
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectChatRequest, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe chat requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return s.ready
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.ChatRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode chat request", slogError(err))
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, 5*time.Minute)
		defer cancel()

		s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("model", req.Model)))

		subject := protocol.ChatEventSubject(req.SessionID)
		start := time.Now()
		err := s.streamer.Stream(ctx, req, func(event Event) error {
			if event.Kind == KindError {
				s.streamErrs.Add(ctx, 1)
			}
			if event.Kind == KindCompletion && event.CompletionTokens != nil {
				s.tokens.Add(ctx, int64(*event.CompletionTokens),
					metric.WithAttributes(attribute.String("model", req.Model)))
			}
			return s.publishEvent(subject, event)
		})
		if err != nil {
			s.logger.Warn("chat stream failed",
				slog.String("request_id", req.RequestID),
				slogError(err))
			// Caller errors never opened the stream; report them in band
			// so bus consumers see a terminal event too. When the stream
			// died on a failed publish the subject already got its events
			// or is unreachable, and a second terminal event must not be
			// sent.
			if !errors.Is(err, errPublishFailed) {
				_ = s.publishEvent(subject, ErrorEvent(err.Error()))
			}
			return
		}
		s.logger.Info("chat stream complete",
			slog.String("request_id", req.RequestID),
			slog.Duration("latency", time.Since(start)))
	}()
}

// errPublishFailed marks errors raised while publishing an event, as
// opposed to faults inside the stream itself.
var errPublishFailed = errors.New("publish chat event")

func (s *Service) publishEvent(subject string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish chat event", slogError(err))
		return fmt.Errorf("%w: %v", errPublishFailed, err)
	}
	return nil
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
