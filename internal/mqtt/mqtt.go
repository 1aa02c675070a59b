// Package mqtt bridges the controller to an MQTT broker for home automation
// systems. Every status update is published retained on sprinkler/status, so a
// new subscriber immediately receives the current state. Commands received on
// sprinkler/command are forwarded to the sequencer and the plan store.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/clambin/sprinkler/internal/plan"
	"github.com/clambin/sprinkler/internal/sequencer"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	statusTopic  = "sprinkler/status"
	commandTopic = "sprinkler/command"

	connectAttempts   = 5
	disconnectQuiesce = 250
)

// Sequencer executes watering commands received from the broker.
type Sequencer interface {
	StartSection(id plan.SectionID, duration time.Duration) error
	CloseAll(ctx context.Context) error
}

// Planner disables the automatic schedule.
type Planner interface {
	DisableAutoWatering()
}

// StatusSource publishes sequencer status updates.
type StatusSource interface {
	Subscribe() chan sequencer.Status
	Unsubscribe(ch chan sequencer.Status)
}

// Config contains the MQTT connection parameters.
type Config struct {
	Broker   string
	Username string
	Password string
	ClientID string
}

// Client connects to the broker, publishes status updates and executes
// received commands.
type Client struct {
	sequencer Sequencer
	plans     Planner
	statuses  StatusSource
	cfg       Config
	logger    *slog.Logger
	newClient func(opts *pahomqtt.ClientOptions) pahomqtt.Client
}

// New returns a new Client. It does not connect until Run is called.
func New(cfg Config, sequencer Sequencer, plans Planner, statuses StatusSource, logger *slog.Logger) *Client {
	return &Client{
		sequencer: sequencer,
		plans:     plans,
		statuses:  statuses,
		cfg:       cfg,
		logger:    logger,
		newClient: pahomqtt.NewClient,
	}
}

// Run connects to the broker and publishes status updates until ctx is
// cancelled.
func (c *Client) Run(ctx context.Context) error {
	client, err := c.connect()
	if err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	defer client.Disconnect(disconnectQuiesce)

	if err = c.subscribe(client); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	defer func() { client.Unsubscribe(commandTopic).Wait() }()

	ch := c.statuses.Subscribe()
	defer c.statuses.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return nil
		case status := <-ch:
			c.publish(client, status)
		}
	}
}

func (c *Client) connect() (pahomqtt.Client, error) {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetCleanSession(true)
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	client := c.newClient(opts)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	err := backoff.Retry(func() error {
		if token := client.Connect(); token.Wait() && token.Error() != nil {
			c.logger.Warn("failed to connect to MQTT broker", "err", token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithMaxRetries(bo, connectAttempts-1))
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	c.logger.Info("connected to MQTT broker", "broker", c.cfg.Broker)
	return client, nil
}

func (c *Client) subscribe(client pahomqtt.Client) error {
	if token := client.Subscribe(commandTopic, 1, c.handleCommand); token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", commandTopic, token.Error())
	}
	c.logger.Debug("subscribed", "topic", commandTopic)
	return nil
}

func (c *Client) publish(client pahomqtt.Client, status sequencer.Status) {
	payload, err := json.Marshal(status)
	if err != nil {
		c.logger.Error("failed to marshal status", "err", err)
		return
	}
	if token := client.Publish(statusTopic, 0, true, payload); token.Wait() && token.Error() != nil {
		c.logger.Warn("failed to publish status", "err", token.Error())
	}
}

// command is the payload expected on sprinkler/command. Duration is in
// seconds and only used by the water command.
type command struct {
	Command  string         `json:"command"`
	Section  plan.SectionID `json:"section"`
	Duration int64          `json:"duration"`
}

func (c *Client) handleCommand(_ pahomqtt.Client, msg pahomqtt.Message) {
	var cmd command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		c.logger.Warn("dropping malformed command", "err", err)
		return
	}
	if err := c.process(cmd); err != nil {
		c.logger.Warn("command failed", "command", cmd.Command, "err", err)
		return
	}
	c.logger.Info("processed command", "command", cmd.Command)
}

func (c *Client) process(cmd command) error {
	switch cmd.Command {
	case "water":
		return c.sequencer.StartSection(cmd.Section, time.Duration(cmd.Duration)*time.Second)
	case "close_all":
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return c.sequencer.CloseAll(ctx)
	case "disable":
		c.plans.DisableAutoWatering()
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd.Command)
	}
}
