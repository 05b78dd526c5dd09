// Package simulator is a stand-in analytic worker for development and load
// tests. It consumes its request queue, waits a random while and answers on
// the reply queue of each request, failing a configurable share of them.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"relay.evalgo.org/common"
	"relay.evalgo.org/queue"
)

const (
	DefaultMinDelay    = 2 * time.Second
	DefaultMaxDelay    = 10 * time.Second
	DefaultSuccessRate = 0.75

	// ResultField is the name of the series the simulator produces.
	ResultField = "resultSeries"
	// InputField is the name of the series parameter the simulator accepts.
	InputField = "inputSeries"
)

// Config configures a Simulator.
type Config struct {
	// Analytic is the name the worker answers to; Queue defaults to it.
	Analytic string
	Queue    string

	MinDelay    time.Duration
	MaxDelay    time.Duration
	SuccessRate float64

	Logger *common.ContextLogger

	// Rand returns a number in [0, 1). rand.Float64 when nil.
	Rand func() float64
	Now  func() time.Time
}

// Simulator is a fake analytic worker.
type Simulator struct {
	transport queue.WorkerTransport
	cfg       Config
	log       *common.ContextLogger

	mu   sync.Mutex
	rand func() float64

	inflight sync.WaitGroup
}

// New returns a Simulator that talks through t.
func New(t queue.WorkerTransport, cfg Config) *Simulator {
	if cfg.Queue == "" {
		cfg.Queue = cfg.Analytic
	}
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = DefaultMinDelay
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	if cfg.SuccessRate <= 0 {
		cfg.SuccessRate = DefaultSuccessRate
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Simulator{
		transport: t,
		cfg:       cfg,
		log:       common.ComponentLogger(cfg.Logger, "simulator").WithField("queue", cfg.Queue),
		rand:      cfg.Rand,
	}
}

// Run consumes requests until ctx is done and then waits for scheduled
// responses to be abandoned.
func (s *Simulator) Run(ctx context.Context) error {
	if err := s.transport.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	q, err := s.transport.DeclareQueue(ctx, s.cfg.Queue)
	if err != nil {
		return fmt.Errorf("failed to declare request queue: %w", err)
	}
	if err := s.transport.ConsumeDeliveries(ctx, q, s.handle); err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}
	s.log.Info("Waiting for requests")

	<-ctx.Done()
	s.inflight.Wait()
	return nil
}

func (s *Simulator) random() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rand()
}

func (s *Simulator) delay() time.Duration {
	span := s.cfg.MaxDelay - s.cfg.MinDelay
	return s.cfg.MinDelay + time.Duration(s.random()*float64(span))
}

func (s *Simulator) handle(ctx context.Context, d queue.Delivery) {
	env, err := common.DecodeRequestEnvelope(d.Body)
	if err != nil {
		s.log.WithError(err).Error("Discarding invalid request")
		return
	}
	replyTo := d.Correlation.ReplyTo
	if replyTo == "" {
		replyTo = env.ResponseQueue
	}
	log := s.log.WithField("execution_id", env.Header.ExecutionID)
	if replyTo == "" {
		log.Error("Request has no reply queue")
		return
	}

	wait := s.delay()
	log.WithField("delay", wait.String()).Info("Request received")

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			log.Warn("Shutting down, response abandoned")
			return
		case <-timer.C:
		}
		if err := s.respond(ctx, env, replyTo, d.Correlation.ClientID); err != nil {
			log.WithError(err).Error("Failed to send response")
		}
	}()
}

// Response builds the answer to env.
func (s *Simulator) Response(env *common.RequestEnvelope) common.ResponseEnvelope {
	status := common.StatusFinishedSuccess
	if s.random() >= s.cfg.SuccessRate {
		status = common.StatusFinishedError
	}
	return common.ResponseEnvelope{
		Header: common.MessageHeader{
			MessageID:    uuid.NewString(),
			PipelineID:   env.Header.PipelineID,
			ExecutionID:  env.Header.ExecutionID,
			CreationTime: s.cfg.Now().UnixMilli(),
		},
		Result: map[string]any{
			ResultField: map[string]any{
				"type":  common.SeriesType,
				"value": resultSeries(env.Context),
			},
		},
		Status: status,
	}
}

func (s *Simulator) respond(ctx context.Context, env *common.RequestEnvelope, replyTo, clientID string) error {
	resp := s.Response(env)
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}
	ok, err := s.transport.Send(ctx, replyTo, body, queue.Correlation{
		ExecutionID:  env.Header.ExecutionID,
		ClientID:     clientID,
		MessageID:    resp.Header.MessageID,
		CreationTime: resp.Header.CreationTime,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("broker did not accept the response")
	}
	s.log.WithFields(map[string]interface{}{
		"execution_id": env.Header.ExecutionID,
		"status":       resp.Status,
	}).Info("Response sent")
	return nil
}

// resultSeries derives <patient>/<study>/resultStudy from the input series,
// which is the first string value of the context in key order.
func resultSeries(reqContext map[string]any) string {
	keys := make([]string, 0, len(reqContext))
	for k := range reqContext {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, ok := common.FieldValue(reqContext[k]).(string)
		if !ok {
			continue
		}
		parts := strings.Split(strings.Trim(v, "/"), "/")
		if len(parts) >= 2 {
			return parts[0] + "/" + parts[1] + "/resultStudy"
		}
	}
	return "resultStudy"
}

// Register adds the worker endpoints the relay's registry client and health
// monitor call: the request queue, the parameter and result schemas and the
// liveness probe on the root path.
func (s *Simulator) Register(e *echo.Echo) {
	e.GET("/v1/queue", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"queue": s.cfg.Queue})
	})
	e.GET("/v1/parameters", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			s.cfg.Analytic: map[string]any{
				InputField: map[string]any{"type": common.SeriesType},
			},
		})
	})
	e.GET("/v1/results", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			s.cfg.Analytic: map[string]any{
				ResultField: map[string]any{"type": common.SeriesType},
			},
		})
	})
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, s.cfg.Analytic+" is healthy")
	})
}
