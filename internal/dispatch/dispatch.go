// Package dispatch turns an authenticated webhook into background work.
//
// Dispatch runs the synchronous phase (snapshot, authenticate, interpret,
// decide) and queues one task that records the event, runs the deployment
// when the policy allows it, and sends the notification. The caller gets a
// Result as soon as the task is queued.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"hookdeploy/internal/auth"
	"hookdeploy/internal/deployment"
	"hookdeploy/internal/event"
	"hookdeploy/internal/history"
	"hookdeploy/internal/notify"
	"hookdeploy/internal/project"
	"hookdeploy/internal/worker"
	"hookdeploy/pkg/cmdutil"
)

const (
	// DefaultDeployBranch is the only branch that deploys unless configured.
	DefaultDeployBranch = "main"

	// notifyTimeout bounds the notification step of a task.
	notifyTimeout = 10 * time.Second
)

// ShouldDeploy reports whether a push to eventBranch received on the
// routeBranch endpoint deploys, with "main" as the deployable branch.
func ShouldDeploy(kind, routeBranch, eventBranch string) bool {
	return shouldDeploy(DefaultDeployBranch, kind, routeBranch, eventBranch)
}

func shouldDeploy(deployBranch, kind, routeBranch, eventBranch string) bool {
	return kind == event.KindPush && routeBranch == deployBranch && eventBranch == routeBranch
}

// InboundEvent is one webhook request as received.
type InboundEvent struct {
	Body        []byte
	Signature   string
	Kind        string
	RouteBranch string
	DeliveryID  string
	Headers     http.Header
	ReceivedAt  time.Time
}

// Result is returned to the webhook caller.
type Result struct {
	ProjectKey string
	Accepted   bool
	Deploy     bool
	TaskID     string
	Latency    time.Duration
}

// Message is the human-readable acknowledgement for r.
func (r Result) Message() string {
	if r.Deploy {
		return "Webhook accepted, deployment scheduled"
	}
	return "Webhook accepted, no deployment for this event"
}

// Snapshotter hands out the current project snapshot.
type Snapshotter interface {
	Snapshot() (*project.Snapshot, error)
}

// Submitter queues background tasks without blocking.
type Submitter interface {
	Submit(name string, fn worker.Task) (string, error)
}

// DeployRunner executes a deploy command. It must not panic or return early
// without an Outcome.
type DeployRunner interface {
	Run(ctx context.Context, command string, timeout time.Duration) deployment.Outcome
}

// EventRecorder keeps an audit row per accepted event.
type EventRecorder interface {
	RecordEvent(ctx context.Context, p *project.Project, ev *event.NormalizedEvent) error
}

// HistoryRecorder stores deployment outcomes.
type HistoryRecorder interface {
	RecordDeployment(ctx context.Context, record *history.DeploymentRecord) (int64, error)
}

// Dispatcher wires the pipeline together. Create it with New.
type Dispatcher struct {
	registry Snapshotter
	auth     auth.Authenticator
	pool     Submitter
	runner   DeployRunner
	notifier notify.Notifier

	recorder EventRecorder
	history  HistoryRecorder
	queue    *projectQueue
	logger   *slog.Logger

	deployBranch  string
	serialize     bool
	notifySkipped bool
	now           func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithEventRecorder(r EventRecorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

func WithHistory(h HistoryRecorder) Option {
	return func(d *Dispatcher) { d.history = h }
}

// WithDeployBranch changes the deployable branch.
func WithDeployBranch(branch string) Option {
	return func(d *Dispatcher) {
		if branch != "" {
			d.deployBranch = branch
		}
	}
}

// WithSerializedDeploys runs deployments of one project one at a time, in
// arrival order. A deployment waiting for its project does not hold a
// worker. Enabled by default.
func WithSerializedDeploys(enabled bool) Option {
	return func(d *Dispatcher) { d.serialize = enabled }
}

// WithNotifySkipped controls whether events that do not deploy are still
// announced. Enabled by default.
func WithNotifySkipped(enabled bool) Option {
	return func(d *Dispatcher) { d.notifySkipped = enabled }
}

// New creates a Dispatcher.
func New(registry Snapshotter, authenticator auth.Authenticator, pool Submitter, runner DeployRunner, notifier notify.Notifier, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:      registry,
		auth:          authenticator,
		pool:          pool,
		runner:        runner,
		notifier:      notifier,
		queue:         newProjectQueue(),
		logger:        slog.Default(),
		deployBranch:  DefaultDeployBranch,
		serialize:     true,
		notifySkipped: true,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch authenticates in, decides whether it deploys and queues the
// background task. Errors match auth.ErrAuthenticationFailed,
// event.ErrMalformedPayload, project.ErrRegistryUnavailable,
// worker.ErrQueueFull or worker.ErrPoolStopped.
func (d *Dispatcher) Dispatch(ctx context.Context, in InboundEvent) (Result, error) {
	received := in.ReceivedAt
	if received.IsZero() {
		received = d.now()
	}

	snap, err := d.registry.Snapshot()
	if err != nil {
		return Result{}, goerr.Wrap(err, "no project snapshot")
	}

	p, err := d.auth.Authenticate(in.Body, in.Signature, snap)
	if err != nil {
		return Result{}, err
	}

	ev, err := event.Interpret(in.Body, in.Headers)
	if err != nil {
		return Result{}, goerr.Wrap(err, "cannot interpret event", goerr.V("project", p.Key))
	}
	if in.Kind != "" {
		ev.Kind = in.Kind
	}
	if in.DeliveryID != "" {
		ev.DeliveryID = in.DeliveryID
	}

	deploy := shouldDeploy(d.deployBranch, ev.Kind, in.RouteBranch, ev.Branch)

	name := fmt.Sprintf("%s:%s", p.Key, ev.Kind)
	if ev.DeliveryID != "" {
		name += ":" + ev.DeliveryID
	}

	job := &task{
		d:           d,
		project:     p,
		event:       ev,
		routeBranch: in.RouteBranch,
		deploy:      deploy,
		receivedAt:  received,
	}
	taskID, err := d.pool.Submit(name, job.run)
	if err != nil {
		return Result{}, goerr.Wrap(err, "cannot queue task", goerr.V("project", p.Key))
	}

	d.logger.Info("webhook accepted",
		"project", p,
		"event_type", ev.Kind,
		"branch", ev.Branch,
		"route_branch", in.RouteBranch,
		"deploy", deploy,
		"task_id", taskID,
		"delivery_id", ev.DeliveryID,
	)
	if ev.Partial {
		d.logger.Warn("payload had unexpected field types, some values fell back to defaults",
			"project", p, "delivery_id", ev.DeliveryID)
	}

	return Result{
		ProjectKey: p.Key,
		Accepted:   true,
		Deploy:     deploy,
		TaskID:     taskID,
		Latency:    d.now().Sub(received),
	}, nil
}

// skipReason explains why ev did not deploy.
func (d *Dispatcher) skipReason(ev *event.NormalizedEvent, routeBranch string) string {
	switch {
	case ev.Kind != event.KindPush:
		return fmt.Sprintf("%s events do not deploy", ev.Kind)
	case routeBranch != d.deployBranch:
		return fmt.Sprintf("only the %s endpoint deploys", d.deployBranch)
	default:
		return fmt.Sprintf("push to %s does not match endpoint branch %s", ev.Branch, routeBranch)
	}
}

type task struct {
	d           *Dispatcher
	id          string
	project     *project.Project
	event       *event.NormalizedEvent
	routeBranch string
	deploy      bool
	receivedAt  time.Time
}

func (t *task) logger() *slog.Logger {
	return t.d.logger.With("project", t.project, "task_id", t.id, "delivery_id", t.event.DeliveryID)
}

func (t *task) message() notify.Message {
	return notify.Message{
		ProjectKey:  t.project.Key,
		ProjectName: t.project.Name,
		Event:       t.event,
		ReceivedAt:  t.receivedAt,
	}
}

// run is the background half of a dispatch. Only failed deployments are
// returned as errors; audit and notification failures are logged.
func (t *task) run(ctx context.Context) error {
	d, p := t.d, t.project
	t.id = worker.TaskID(ctx)
	logger := t.logger()

	if d.recorder != nil {
		if err := d.recorder.RecordEvent(ctx, p, t.event); err != nil {
			logger.Warn("failed to record event", "error", err)
		}
	}

	switch {
	case !t.deploy:
		t.notifySkipped(ctx, d.skipReason(t.event, t.routeBranch), logger)
		return nil
	case !p.CanDeploy():
		logger.Warn("deployment requested but project has no deploy command")
		t.notifySkipped(ctx, "no deploy command configured", logger)
		return nil
	case !d.serialize:
		return t.deployAndNotify(ctx)
	}

	if acquired, ahead := d.queue.enter(p.Key, t); !acquired {
		logger.Info("deployment parked behind the running deployment of this project", "parked_ahead", ahead)
		return nil
	}

	// This worker owns the project until its parked deployments are done.
	var errs []error
	for next := t; next != nil; next = d.queue.next(p.Key) {
		if ctx.Err() != nil {
			next.logger().Warn("parked deployment dropped", "error", ctx.Err())
			continue
		}
		if err := next.deployAndNotify(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *task) notifySkipped(ctx context.Context, reason string, logger *slog.Logger) {
	if !t.d.notifySkipped {
		return
	}
	msg := t.message()
	msg.SkipReason = reason
	t.notify(ctx, msg, logger)
}

func (t *task) deployAndNotify(ctx context.Context) error {
	logger := t.logger()
	outcome := t.deployProject(ctx, logger)

	msg := t.message()
	msg.Outcome = &outcome
	t.notify(ctx, msg, logger)

	if !outcome.OK() {
		return goerr.New("deployment failed",
			goerr.V("project", t.project.Key), goerr.V("kind", string(outcome.Kind)), goerr.V("exit_code", outcome.ExitCode))
	}
	return nil
}

func (t *task) deployProject(ctx context.Context, logger *slog.Logger) deployment.Outcome {
	d, p := t.d, t.project

	command := p.DeployCommand
	if parts, err := cmdutil.ParseCommandString(command); err == nil {
		command = cmdutil.FormatCommand(parts)
	}
	logger.Info("deployment started", "command", command, "timeout", p.DeployTimeout.String())

	outcome := d.runner.Run(ctx, p.DeployCommand, p.DeployTimeout)
	secrets := []string{p.Secret}
	outcome.Stdout = string(cmdutil.SanitizeOutput([]byte(outcome.Stdout), secrets))
	outcome.Stderr = string(cmdutil.SanitizeOutput([]byte(outcome.Stderr), secrets))

	attrs := []any{
		"outcome", outcome.Kind,
		"exit_code", outcome.ExitCode,
		"duration_ms", outcome.Duration.Milliseconds(),
	}
	if outcome.OK() {
		logger.Info("deployment finished", attrs...)
	} else {
		logger.Error("deployment failed", append(attrs, "error", outcome.Err, "stderr", outcome.Stderr)...)
	}

	if d.history != nil {
		if _, err := d.history.RecordDeployment(ctx, history.NewRecord(p.Key, t.id, t.event, outcome)); err != nil {
			logger.Warn("failed to record deployment history", "error", err)
		}
	}

	return outcome
}

func (t *task) notify(ctx context.Context, msg notify.Message, logger *slog.Logger) {
	if t.d.notifier == nil || !t.project.CanNotify() {
		return
	}

	nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()

	if err := t.d.notifier.Notify(nctx, t.project.NotifyEndpoint, msg); err != nil {
		logger.Warn("notification not delivered", "error", err)
		return
	}
	logger.Debug("notification delivered")
}
