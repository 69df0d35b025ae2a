package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tasky-app/tasky/internal/contracts"
	"github.com/tasky-app/tasky/internal/messaging"
	"github.com/tasky-app/tasky/internal/platform/amqputil"
	"github.com/tasky-app/tasky/internal/platform/config"
	"github.com/tasky-app/tasky/internal/platform/logging"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Drive a synthetic Todo workload through the broker",
	Long: `Simulate users creating, completing and deleting todos. Each user acts at
--rate actions per second after a staggered ramp-up, and every action is
published as the matching Todo event.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		var lc loadConfig
		lc.Users, _ = cmd.Flags().GetInt("users")
		lc.Rate, _ = cmd.Flags().GetFloat64("rate")
		lc.Duration, _ = cmd.Flags().GetDuration("duration")
		lc.RampUp, _ = cmd.Flags().GetDuration("ramp-up")
		lc.UserPrefix, _ = cmd.Flags().GetString("user-prefix")
		if lc.Users < 1 {
			return fmt.Errorf("--users must be positive")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		publisher := amqputil.NewPublisher(
			amqputil.Dialer(cfg.RabbitMQ.URL(), "taskyctl-load", cfg.RabbitMQ.Heartbeat),
			messaging.Setup(messaging.EnsureTopology),
			cfg.RabbitMQ.PublishTimeout,
		)
		defer publisher.Close()

		r := newLoadRunner(lc, messaging.NewProducer(publisher, logging.WithComponent("producer")))
		if err := r.Run(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published=%d failed=%d users=%d\n", r.published.Load(), r.failed.Load(), lc.Users)
		return nil
	},
}

func init() {
	loadCmd.Flags().Int("users", 10, "Simulated users")
	loadCmd.Flags().Float64("rate", 1, "Actions per user per second")
	loadCmd.Flags().Duration("duration", 30*time.Second, "How long to run")
	loadCmd.Flags().Duration("ramp-up", 5*time.Second, "Spread user start times over this window")
	loadCmd.Flags().String("user-prefix", "load_user_", "Prefix for simulated user ids")
	rootCmd.AddCommand(loadCmd)
}

type loadConfig struct {
	Users      int
	Rate       float64
	Duration   time.Duration
	RampUp     time.Duration
	UserPrefix string
}

type eventSender interface {
	Send(ctx context.Context, event contracts.Event) error
}

type loadRunner struct {
	cfg    loadConfig
	sender eventSender
	nextID atomic.Int64

	published atomic.Int64
	failed    atomic.Int64
}

func newLoadRunner(cfg loadConfig, sender eventSender) *loadRunner {
	return &loadRunner{cfg: cfg, sender: sender}
}

func (r *loadRunner) Run(ctx context.Context) error {
	if r.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Duration)
		defer cancel()
	}
	log := logging.WithComponent("load")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Users; i++ {
		user := &simulatedUser{index: i, id: fmt.Sprintf("%s%d", r.cfg.UserPrefix, i+1)}
		g.Go(func() error {
			r.runUser(ctx, user)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				log.Info().Int64("published", r.published.Load()).Int64("failed", r.failed.Load()).Msg("load progress")
			}
		}
	})
	return g.Wait()
}

func (r *loadRunner) runUser(ctx context.Context, user *simulatedUser) {
	if r.cfg.RampUp > 0 {
		delay := time.Duration(float64(r.cfg.RampUp) / float64(r.cfg.Users) * float64(user.index))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}

	interval := time.Second
	if r.cfg.Rate > 0 {
		interval = max(time.Duration(float64(time.Second)/r.cfg.Rate), 10*time.Millisecond)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(user.index*7)))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.act(ctx, user, rng)
		}
	}
}

func (r *loadRunner) act(ctx context.Context, user *simulatedUser, rng *rand.Rand) {
	event := user.next(rng, func() int { return int(r.nextID.Add(1)) }, time.Now().UTC())
	if err := r.sender.Send(ctx, event); err != nil {
		if ctx.Err() == nil {
			r.failed.Add(1)
			log := logging.WithComponent("load")
			log.Debug().Err(err).Str("user_id", user.id).Msg("publish failed")
		}
		return
	}
	r.published.Add(1)
}

type simulatedTodo struct {
	id        int
	title     string
	completed bool
}

type simulatedUser struct {
	index int
	id    string

	mu    sync.Mutex
	todos []simulatedTodo
}

// next picks the user's next action and applies it to the local todo list:
// mostly creates, then completions of open todos, occasionally a delete.
func (u *simulatedUser) next(rng *rand.Rand, newID func() int, at time.Time) contracts.Event {
	u.mu.Lock()
	defer u.mu.Unlock()

	open := make([]int, 0, len(u.todos))
	for i, t := range u.todos {
		if !t.completed {
			open = append(open, i)
		}
	}

	choice := rng.Float64()
	switch {
	case len(u.todos) == 0 || choice < 0.6:
		t := simulatedTodo{id: newID()}
		t.title = fmt.Sprintf("todo %d", t.id)
		u.todos = append(u.todos, t)
		return contracts.TodoCreated{TodoID: t.id, UserID: u.id, Title: t.title, CreatedAt: at}
	case choice < 0.9 && len(open) > 0:
		idx := open[rng.Intn(len(open))]
		u.todos[idx].completed = true
		t := u.todos[idx]
		return contracts.TodoCompleted{TodoID: t.id, UserID: u.id, Title: t.title, CompletedAt: at}
	default:
		idx := rng.Intn(len(u.todos))
		t := u.todos[idx]
		u.todos[idx] = u.todos[len(u.todos)-1]
		u.todos = u.todos[:len(u.todos)-1]
		return contracts.TodoDeleted{TodoID: t.id, UserID: u.id, Title: t.title, DeletedAt: at}
	}
}
