package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/BaSui01/taskmesh/types"
)

// Handler executes one assigned task in a provider process.
type Handler func(ctx context.Context, method string, params map[string]any) (any, error)

// ClientConfig configures a provider-side connection.
type ClientConfig struct {
	// URL is the coordinator's websocket endpoint.
	URL string `yaml:"url" json:"url"`

	ProviderID     string   `yaml:"provider_id" json:"provider_id"`
	Protocol       string   `yaml:"protocol" json:"protocol"`
	Capabilities   []string `yaml:"capabilities" json:"capabilities"`
	MaxConcurrency int      `yaml:"max_concurrency" json:"max_concurrency"`

	// Workers is how many worker slots the coordinator creates for this
	// provider.
	Workers int `yaml:"workers" json:"workers"`

	// HeartbeatInterval is how often liveness is reported.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
}

// Client is a provider process's connection to the coordinator. It registers
// on dial, then executes assignments with the handler until the connection
// closes.
type Client struct {
	config  ClientConfig
	conn    *websocket.Conn
	handler Handler
	logger  *zap.Logger

	writeMu  sync.Mutex
	load     sync.Map // task ID -> struct{}, for heartbeat load reporting
	inFlight sync.WaitGroup
}

// Dial connects, registers, and waits for the coordinator's ack.
func Dial(ctx context.Context, config ClientConfig, handler Handler, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}

	conn, _, err := websocket.Dial(ctx, config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", config.URL, err)
	}

	c := &Client{
		config:  config,
		conn:    conn,
		handler: handler,
		logger:  logger.With(zap.String("component", "transport.client"), zap.String("provider_id", config.ProviderID)),
	}

	env, err := encode(MsgRegister, RegisterPayload{
		ProviderID:     config.ProviderID,
		Protocol:       config.Protocol,
		Capabilities:   config.Capabilities,
		MaxConcurrency: config.MaxConcurrency,
		Workers:        config.Workers,
	})
	if err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, err
	}
	if err := c.write(ctx, env); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("send register: %w", err)
	}

	var ack Envelope
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		conn.Close(websocket.StatusInternalError, "")
		return nil, fmt.Errorf("await ack: %w", err)
	}
	if ack.Type != MsgAck {
		conn.Close(websocket.StatusProtocolError, "")
		return nil, fmt.Errorf("expected %s, got %s", MsgAck, ack.Type)
	}

	c.logger.Info("registered with coordinator", zap.String("url", config.URL))
	return c, nil
}

// Run processes assignments until ctx is cancelled or the connection drops.
func (c *Client) Run(ctx context.Context) error {
	hbCtx, stopHB := context.WithCancel(ctx)
	defer stopHB()
	go c.heartbeats(hbCtx)

	for {
		var env Envelope
		if err := wsjson.Read(ctx, c.conn, &env); err != nil {
			c.inFlight.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if env.Type != MsgAssignment {
			c.logger.Warn("unexpected message type", zap.String("type", string(env.Type)))
			continue
		}
		var a AssignmentPayload
		if err := json.Unmarshal(env.Payload, &a); err != nil {
			c.logger.Warn("bad assignment payload", zap.Error(err))
			continue
		}
		c.inFlight.Add(1)
		go c.execute(ctx, a)
	}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "shutting down")
}

// execute runs one assignment and reports its outcome.
func (c *Client) execute(ctx context.Context, a AssignmentPayload) {
	defer c.inFlight.Done()
	c.load.Store(a.TaskID, struct{}{})
	defer c.load.Delete(a.TaskID)

	runCtx := ctx
	if a.TimeoutMs > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(a.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	result, err := c.handler(runCtx, a.Method, a.Params)
	if err != nil {
		code := types.GetErrorCode(err)
		env, encErr := encode(MsgFailure, FailurePayload{
			TaskID:    a.TaskID,
			Code:      code,
			Message:   err.Error(),
			Retryable: types.IsRetryable(err),
		})
		if encErr == nil {
			if werr := c.write(ctx, env); werr != nil {
				c.logger.Warn("failed to report failure", zap.String("task_id", a.TaskID), zap.Error(werr))
			}
		}
		return
	}

	env, encErr := encode(MsgCompletion, CompletionPayload{TaskID: a.TaskID, Result: result})
	if encErr != nil {
		c.logger.Error("failed to encode result", zap.String("task_id", a.TaskID), zap.Error(encErr))
		return
	}
	if werr := c.write(ctx, env); werr != nil {
		c.logger.Warn("failed to report completion", zap.String("task_id", a.TaskID), zap.Error(werr))
	}
}

// heartbeats reports liveness and in-flight load on a fixed interval.
func (c *Client) heartbeats(ctx context.Context) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			load := 0
			c.load.Range(func(_, _ any) bool {
				load++
				return true
			})
			env, err := encode(MsgHeartbeat, HeartbeatPayload{
				ProviderID: c.config.ProviderID,
				Load:       load,
			})
			if err != nil {
				continue
			}
			if err := c.write(ctx, env); err != nil {
				c.logger.Debug("heartbeat send failed", zap.Error(err))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) write(ctx context.Context, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, c.conn, env)
}
