package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Adda-Baaj/malshare/internal/config"
	"github.com/Adda-Baaj/malshare/internal/domain"
	"github.com/Adda-Baaj/malshare/internal/logger"
	"github.com/Adda-Baaj/malshare/internal/storage"
	"github.com/Adda-Baaj/malshare/pkg/malshare"
	"github.com/Adda-Baaj/malshare/pkg/publishers"
)

// Action names, in execution order.
const (
	ActionAPILimit     = "api-limit"
	ActionAPIRemaining = "api-remaining"
	ActionDownload     = "download"
	ActionListJSON     = "list-hashes-json"
	ActionListRaw      = "list-hashes-raw"
	ActionFileInfo     = "file-info"
	ActionHistory      = "history"
)

// ErrMissingAPIKey is returned when an API action is requested without a key.
var ErrMissingAPIKey = errors.New("an API key is required (--api-key or MALSHARE_API_KEY)")

// API is the subset of *malshare.Client the runner drives.
type API interface {
	GetAPICallLimit(ctx context.Context, apiKey string) (uint32, error)
	GetRemainingAPICalls(ctx context.Context, apiKey string) (uint32, error)
	Download(ctx context.Context, apiKey, hash, output string) (malshare.DownloadResult, error)
	GetList(ctx context.Context, apiKey string) (malshare.Value, error)
	GetListRaw(ctx context.Context, apiKey string) (string, error)
	ListDetails(ctx context.Context, apiKey, hash string) (malshare.Value, error)
}

// Request lists the actions requested in one invocation.
type Request struct {
	APIKey       string
	APILimit     bool
	APIRemaining bool
	DownloadHash string
	Output       string
	ListJSON     bool
	ListRaw      bool
	FileInfoHash string
	History      bool
}

// Empty reports whether no action was requested.
func (r Request) Empty() bool {
	return !r.needsAPI() && !r.History
}

func (r Request) needsAPI() bool {
	return r.APILimit || r.APIRemaining || r.DownloadHash != "" || r.ListJSON || r.ListRaw || r.FileInfoHash != ""
}

// ActionError ties a failure to the action that produced it.
type ActionError struct {
	Action string
	Hash   string
	Err    error
}

func (e *ActionError) Error() string { return fmt.Sprintf("%s: %v", e.Action, e.Err) }
func (e *ActionError) Unwrap() error { return e.Err }

// RunError is returned by Run when one or more actions failed. Each failure
// has already been reported on the error writer.
type RunError struct {
	Failures  []*ActionError
	Attempted int
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%d of %d requested actions failed", len(e.Failures), e.Attempted)
}

func (e *RunError) Unwrap() []error {
	out := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f
	}
	return out
}

// Deps are the collaborators a Runner needs. Nil Store, Fanout and Log are replaced with no-ops.
type Deps struct {
	API    API
	Store  storage.Store
	Fanout *publishers.Fanout
	Out    io.Writer
	ErrOut io.Writer
	Log    logger.Logger
	Now    func() time.Time
}

// Runner executes the requested actions against the API and reports results.
type Runner struct {
	api    API
	store  storage.Store
	fanout *publishers.Fanout
	out    io.Writer
	errOut io.Writer
	log    logger.Logger
	now    func() time.Time
}

// NewRunner wires a Runner from its dependencies.
func NewRunner(d Deps) (*Runner, error) {
	if d.API == nil {
		return nil, fmt.Errorf("api client must not be nil")
	}
	if d.Out == nil {
		d.Out = io.Discard
	}
	if d.ErrOut == nil {
		d.ErrOut = io.Discard
	}
	if d.Log == nil {
		d.Log = logger.NopLogger{}
	}
	if d.Store == nil {
		d.Store, _ = storage.NewStore("none", "")
	}
	if d.Fanout == nil {
		d.Fanout = publishers.NewFanout(nil)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Runner{
		api:    d.API,
		store:  d.Store,
		fanout: d.Fanout,
		out:    d.Out,
		errOut: d.ErrOut,
		log:    d.Log,
		now:    d.Now,
	}, nil
}

// New builds a Runner from config: API client, download history store and
// download-event publishers.
func New(ctx context.Context, cfg *config.Config, log logger.Logger, out, errOut io.Writer) (*Runner, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if log == nil {
		log = logger.NopLogger{}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := malshare.New(
		malshare.WithBaseURL(cfg.BaseURL),
		malshare.WithTimeout(cfg.RequestTimeout),
		malshare.WithUserAgent(cfg.UserAgent),
	)

	store, err := storage.NewStore(cfg.StorageType, cfg.BBoltPath)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	log.DebugObj("storage initialized", "storage_config", map[string]any{
		"type": cfg.StorageType,
		"path": cfg.BBoltPath,
	})

	fanout, err := buildFanout(ctx, cfg.PublishersFile, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return NewRunner(Deps{
		API:    client,
		Store:  store,
		Fanout: fanout,
		Out:    out,
		ErrOut: errOut,
		Log:    log,
	})
}

func buildFanout(ctx context.Context, path string, log logger.Logger) (*publishers.Fanout, error) {
	if strings.TrimSpace(path) == "" {
		return publishers.NewFanout(nil), nil
	}

	reg, err := publishers.LoadRegistry(path)
	if err != nil {
		return nil, fmt.Errorf("load publishers registry: %w", err)
	}
	enabled := reg.Enabled()
	pubs, err := publishers.BuildAll(ctx, publishers.DefaultRegistry(), enabled, log)
	if err != nil {
		return nil, fmt.Errorf("build publishers: %w", err)
	}

	summaries := make([]map[string]string, 0, len(enabled))
	for _, c := range enabled {
		summaries = append(summaries, map[string]string{"id": c.ID, "type": c.Type})
	}
	log.DebugObj("publishers registry loaded", "publishers_meta", map[string]any{
		"count":      len(summaries),
		"publishers": summaries,
	})
	return publishers.NewFanout(pubs), nil
}

// Close releases the store and publishers.
func (r *Runner) Close() error {
	if r == nil {
		return nil
	}
	return errors.Join(r.store.Close(), r.fanout.Close())
}

type action struct {
	name string
	hash string
	// failure is the diagnostic printed when the action fails.
	failure string
	run     func(ctx context.Context) error
}

// Run executes every action in req. A failing action is reported and the
// remaining actions still run. The returned error is a *RunError when any
// action failed.
func (r *Runner) Run(ctx context.Context, req Request) error {
	if r == nil {
		return fmt.Errorf("runner is not initialized")
	}
	if req.DownloadHash != "" && req.FileInfoHash != "" {
		return fmt.Errorf("--download and --file-info are mutually exclusive")
	}
	if req.needsAPI() && strings.TrimSpace(req.APIKey) == "" {
		return ErrMissingAPIKey
	}

	actions := r.plan(req)
	var failures []*ActionError
	for _, a := range actions {
		start := r.now()
		err := a.run(ctx)
		if err == nil {
			r.log.DebugObj("action completed", "action_result", map[string]any{
				"action":     a.name,
				"hash":       a.hash,
				"elapsed_ms": r.now().Sub(start).Milliseconds(),
			})
			continue
		}

		failures = append(failures, &ActionError{Action: a.name, Hash: a.hash, Err: err})
		fmt.Fprintf(r.errOut, "%s: %v\n", a.failure, err)
		r.log.ErrorObj("action failed", "action_error", map[string]any{
			"action": a.name,
			"hash":   a.hash,
			"error":  err.Error(),
		})
	}

	if len(failures) > 0 {
		return &RunError{Failures: failures, Attempted: len(actions)}
	}
	return nil
}

func (r *Runner) plan(req Request) []action {
	var actions []action
	if req.APILimit {
		actions = append(actions, action{
			name:    ActionAPILimit,
			failure: "Error retrieving call limit",
			run: func(ctx context.Context) error {
				n, err := r.api.GetAPICallLimit(ctx, req.APIKey)
				if err != nil {
					return err
				}
				fmt.Fprintf(r.out, "Daily API call limit: %d\n", n)
				return nil
			},
		})
	}
	if req.APIRemaining {
		actions = append(actions, action{
			name:    ActionAPIRemaining,
			failure: "Error retrieving remaining api calls",
			run: func(ctx context.Context) error {
				n, err := r.api.GetRemainingAPICalls(ctx, req.APIKey)
				if err != nil {
					return err
				}
				fmt.Fprintf(r.out, "Remaining API calls for today: %d\n", n)
				return nil
			},
		})
	}
	if req.DownloadHash != "" {
		actions = append(actions, action{
			name:    ActionDownload,
			hash:    req.DownloadHash,
			failure: "Error downloading file with hash " + req.DownloadHash,
			run: func(ctx context.Context) error {
				return r.download(ctx, req.APIKey, req.DownloadHash, req.Output)
			},
		})
	}
	if req.ListJSON {
		actions = append(actions, action{
			name:    ActionListJSON,
			failure: "Error getting hashes of the last 24 hours",
			run: func(ctx context.Context) error {
				tree, err := r.api.GetList(ctx, req.APIKey)
				if err != nil {
					return err
				}
				fmt.Fprintln(r.out, tree.Indent())
				return nil
			},
		})
	}
	if req.ListRaw {
		actions = append(actions, action{
			name:    ActionListRaw,
			failure: "Error getting hashes of the last 24 hours",
			run: func(ctx context.Context) error {
				raw, err := r.api.GetListRaw(ctx, req.APIKey)
				if err != nil {
					return err
				}
				if !strings.HasSuffix(raw, "\n") {
					raw += "\n"
				}
				_, err = io.WriteString(r.out, raw)
				return err
			},
		})
	}
	if req.FileInfoHash != "" {
		actions = append(actions, action{
			name:    ActionFileInfo,
			hash:    req.FileInfoHash,
			failure: "Error while fetching details of file with hash " + req.FileInfoHash,
			run: func(ctx context.Context) error {
				tree, err := r.api.ListDetails(ctx, req.APIKey, req.FileInfoHash)
				if err != nil {
					return err
				}
				fmt.Fprintln(r.out, tree.Indent())
				return nil
			},
		})
	}
	if req.History {
		actions = append(actions, action{
			name:    ActionHistory,
			failure: "Error reading download history",
			run:     func(context.Context) error { return r.history() },
		})
	}
	return actions
}

// download writes the sample, then records it and notifies publishers. A
// history or publish failure fails the action but keeps the file.
func (r *Runner) download(ctx context.Context, apiKey, hash, output string) error {
	fmt.Fprintf(r.out, "Downloading file with hash: %s\n", hash)

	res, err := r.api.Download(ctx, apiKey, hash, output)
	if err != nil {
		return err
	}
	if res.FellBack {
		fmt.Fprintf(r.errOut, "--- Path '%s' does not exist.\n--- Writing to: %s\n", res.Requested, res.Path)
		r.log.WarnObj("output directory missing; wrote sample to fallback path", "download_fallback", map[string]any{
			"hash":      hash,
			"requested": res.Requested,
			"path":      res.Path,
		})
	}
	fmt.Fprintf(r.out, "Sample written to: %s (%d bytes)\n", res.Path, res.Size)

	sample := domain.Sample{
		Hash:         res.Hash,
		Path:         res.Path,
		Size:         res.Size,
		SHA256:       res.SHA256,
		DownloadedAt: r.now().UTC(),
	}
	r.log.InfoObj("sample downloaded", "sample", sample)

	var errs []error
	if err := r.store.RecordDownload(sample); err != nil {
		errs = append(errs, fmt.Errorf("record download: %w", err))
	}
	if r.fanout.Size() > 0 {
		delivered, err := r.fanout.Publish(ctx, publishers.NewEvent(sample))
		if err != nil {
			errs = append(errs, fmt.Errorf("publish download event: %w", err))
		}
		r.log.DebugObj("download event published", "publish_result", map[string]any{
			"hash":       hash,
			"delivered":  delivered,
			"publishers": r.fanout.Size(),
		})
	}
	return errors.Join(errs...)
}

func (r *Runner) history() error {
	samples, err := r.store.Downloads()
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(r.out, "No downloads recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HASH\tSIZE\tSHA256\tPATH\tDOWNLOADED")
	for _, s := range samples {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n", s.Hash, s.Size, s.SHA256, s.Path, s.DownloadedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
