package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/conductor/internal/agent"
	"github.com/haasonsaas/conductor/pkg/models"
)

// =============================================================================
// Run Handlers
// =============================================================================

// errTurnFailed makes the process exit non-zero without printing the error
// twice.
var errTurnFailed = errors.New("turn failed")

func runPrompt(cmd *cobra.Command, args []string, opts runOptions) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	applyLogging(cfg, cmd.ErrOrStderr())

	approve, err := parseApprove(opts.approve)
	if err != nil {
		return err
	}
	attachments, err := loadImages(opts.images)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var render agent.EventSink
	if opts.jsonOut {
		render = agent.NewWriterSink(out)
	} else {
		render = newTextRenderer(out, cmd.ErrOrStderr())
	}
	requests := make(chan *models.PermissionRequest, 64)
	sink := agent.NewMultiSink(render, agent.NewCallbackSink(func(_ context.Context, e models.Event) {
		if e.Type == models.EventPermissionRequired && e.Permission != nil {
			requests <- e.Permission
		}
	}))

	rt, err := newRuntime(ctx, cfg, runtimeOptions{Sink: sink})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(closeCtx); err != nil {
			rt.logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	resolved := cfg.Session()
	if opts.model != "" {
		resolved.Model = opts.model
	}
	if opts.system != "" {
		resolved.System = opts.system
	}
	sc, err := rt.orchestrator.OpenSession(ctx, agent.SessionOptions{ID: opts.sessionID, Config: resolved})
	if err != nil {
		return err
	}

	p := &prompter{
		in:          cmd.InOrStdin(),
		out:         cmd.ErrOrStderr(),
		interactive: isTerminal(cmd.InOrStdin()),
		approve:     approve,
		respond:     rt.orchestrator.Respond,
	}
	go p.loop(ctx, requests)

	if opts.sessionID != "" {
		// A turn left waiting for permission by an earlier run finishes
		// first.
		if paused, err := rt.orchestrator.Resume(ctx, sc.ID); err == nil {
			if _, err := waitTurn(ctx, rt.orchestrator, paused); err != nil {
				return err
			}
		} else if !errors.Is(err, agent.ErrNothingToResume) {
			return err
		}
	}

	turn, err := rt.orchestrator.Submit(ctx, sc.ID, &models.Message{
		Role:        models.RoleUser,
		Content:     strings.Join(args, " "),
		Attachments: attachments,
	})
	if err != nil {
		return err
	}
	res, err := waitTurn(ctx, rt.orchestrator, turn)
	if err != nil {
		return err
	}
	if !opts.jsonOut {
		fmt.Fprintf(cmd.ErrOrStderr(), "\n[%s, %d tool calls, %d in / %d out tokens, session %s]\n",
			res.Outcome, res.ToolCalls, res.InputTokens, res.OutputTokens, sc.ID)
	}
	if res.Outcome == models.OutcomeError {
		rt.logger.Error("turn failed", "session_id", sc.ID, "error", res.Err)
		return errTurnFailed
	}
	return nil
}

// waitTurn waits for turn, cancelling it when ctx is interrupted.
func waitTurn(ctx context.Context, o *agent.Orchestrator, turn *agent.Turn) (agent.TurnResult, error) {
	select {
	case <-turn.Done():
	case <-ctx.Done():
		if err := o.Cancel(context.Background(), turn.SessionID); err != nil {
			return agent.TurnResult{}, err
		}
		<-turn.Done()
	}
	return turn.Result(), nil
}

// approvePolicy decides permission requests when nobody can be asked.
type approvePolicy string

const (
	approveNone approvePolicy = "none"
	approveRead approvePolicy = "read"
	approveAll  approvePolicy = "all"
)

func parseApprove(s string) (approvePolicy, error) {
	switch p := approvePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case approveNone, approveRead, approveAll:
		return p, nil
	case "":
		return approveNone, nil
	default:
		return "", fmt.Errorf("--approve must be none, read or all, got %q", s)
	}
}

func (p approvePolicy) grants(t models.PermissionType) bool {
	switch p {
	case approveAll:
		return true
	case approveRead:
		return t == models.PermissionRead
	default:
		return false
	}
}

// prompter answers permission requests one at a time.
type prompter struct {
	in          io.Reader
	out         io.Writer
	interactive bool
	approve     approvePolicy
	respond     func(context.Context, models.Decision) error

	once   sync.Once
	reader *bufio.Reader
}

func (p *prompter) loop(ctx context.Context, requests <-chan *models.PermissionRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-requests:
			d := p.decide(req)
			if err := p.respond(ctx, d); err != nil {
				fmt.Fprintf(p.out, "permission response failed: %v\n", err)
			}
		}
	}
}

func (p *prompter) decide(req *models.PermissionRequest) models.Decision {
	d := models.Decision{
		SessionID:      req.SessionID,
		ToolCallID:     req.ToolCallID,
		PermissionType: req.PermissionType,
	}
	if !p.interactive {
		d.Granted = p.approve.grants(req.PermissionType)
		return d
	}

	p.once.Do(func() { p.reader = bufio.NewReader(p.in) })
	title := req.Title
	if title == "" {
		title = req.ToolName
	}
	for {
		fmt.Fprintf(p.out, "\n%s (%s) needs %s permission. Allow? [y]es / [n]o / [a]lways: ", title, req.OwnerID, req.PermissionType)
		line, err := p.reader.ReadString('\n')
		answer := strings.ToLower(strings.TrimSpace(line))
		switch {
		case answer == "y" || answer == "yes":
			d.Granted = true
			return d
		case answer == "a" || answer == "always":
			d.Granted, d.Remember = true, true
			return d
		case answer == "n" || answer == "no" || err != nil:
			return d
		}
	}
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// loadImages turns file paths into data URL attachments. http(s) URLs are
// passed through.
func loadImages(paths []string) ([]models.Attachment, error) {
	attachments := make([]models.Attachment, 0, len(paths))
	for _, path := range paths {
		if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
			attachments = append(attachments, models.Attachment{Type: models.AttachmentImage, URL: path})
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		mime := http.DetectContentType(data)
		if !strings.HasPrefix(mime, "image/") {
			return nil, fmt.Errorf("%s is not an image (%s)", path, mime)
		}
		attachments = append(attachments, models.Attachment{
			Type:     models.AttachmentImage,
			URL:      "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data),
			Filename: filepath.Base(path),
			MimeType: mime,
			Size:     int64(len(data)),
		})
	}
	return attachments, nil
}
