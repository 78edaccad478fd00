package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/v2/x/mongo/driver/connstring"
	"golang.org/x/sync/errgroup"

	"github.com/percona/percona-oplogsync-mongodb/config"
	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/log"
	"github.com/percona/percona-oplogsync-mongodb/metrics"
	"github.com/percona/percona-oplogsync-mongodb/posm"
	"github.com/percona/percona-oplogsync-mongodb/util"
)

// Constants for server configuration.
const (
	ServerReadTimeout       = 30 * time.Second
	ServerReadHeaderTimeout = 3 * time.Second
	MaxRequestSize          = humanize.MiByte
	ServerResponseTimeout   = 5 * time.Second
)

// contextKey is a type for context keys used in this package.
type contextKey string

// configContextKey is the context key for storing *config.Config.
const configContextKey contextKey = "config"

var (
	Version   = "v0.1.0" //nolint:gochecknoglobals
	Platform  = ""       //nolint:gochecknoglobals
	GitCommit = ""       //nolint:gochecknoglobals
	GitBranch = ""       //nolint:gochecknoglobals
	BuildTime = ""       //nolint:gochecknoglobals
)

func buildVersion() string {
	return Version + " " + GitCommit + " " + BuildTime
}

//nolint:gochecknoglobals
var rootCmd = &cobra.Command{
	Use:   "posm",
	Short: "Percona OplogSync for MongoDB collection sync tool",

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cmd)
		if err != nil {
			return errors.Wrap(err, "load config")
		}

		logLevel, err := zerolog.ParseLevel(cfg.Log.Level)
		if err != nil {
			logLevel = zerolog.InfoLevel
		}

		lg := log.InitGlobals(logLevel, cfg.Log.JSON, cfg.Log.NoColor)
		ctx := lg.WithContext(context.Background())
		ctx = context.WithValue(ctx, configContextKey, cfg)
		cmd.SetContext(ctx)

		return nil
	},

	RunE: func(cmd *cobra.Command, _ []string) error {
		if cmd.CalledAs() != "posm" || cmd.ArgsLenAtDash() != -1 {
			return nil
		}

		cfg := cmd.Context().Value(configContextKey).(*config.Config) //nolint:forcetypeassert

		err := config.Validate(cfg)
		if err != nil {
			return errors.Wrap(err, "validate options")
		}

		jobs, err := config.LoadJobs(cfg.JobsFile)
		if err != nil {
			return errors.Wrap(err, "load jobs")
		}

		log.Ctx(cmd.Context()).Info("Percona OplogSync for MongoDB " + buildVersion())

		return runServer(cmd.Context(), cfg, jobs)
	},
}

//nolint:gochecknoglobals
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, _ []string) {
		info := fmt.Sprintf("Version:   %s\nPlatform:  %s\nGitCommit: "+
			"%s\nGitBranch: %s\nBuildTime: %s\nGoVersion: %s",
			Version,
			Platform,
			GitCommit,
			GitBranch,
			BuildTime,
			runtime.Version(),
		)

		cmd.Println(info)
	},
}

//nolint:gochecknoglobals
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Get the status of the sync jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return NewClient(viper.GetInt("port")).Status(cmd.Context())
	},
}

//nolint:gochecknoglobals
var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete the checkpoint of a job so its next start does a full copy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := cmd.Context().Value(configContextKey).(*config.Config) //nolint:forcetypeassert

		jobID, _ := cmd.Flags().GetString("job")
		if jobID == "" {
			return errors.New("required flag --job not set")
		}

		jobs, err := config.LoadJobs(cfg.JobsFile)
		if err != nil {
			return errors.Wrap(err, "load jobs")
		}

		jc, ok := findJob(jobs, jobID)
		if !ok {
			return errors.Errorf("job %q is not in %s", jobID, cfg.JobsFile)
		}

		err = posm.ResetCheckpoint(cmd.Context(), cfg, jc)
		if err != nil {
			return err //nolint:wrapcheck
		}

		log.New("cli").Info("OK: reset " + jobID)

		return nil
	},
}

func findJob(jobs []config.Job, id string) (config.Job, bool) {
	for _, j := range jobs {
		if j.ID == id {
			return j, true
		}
	}

	return config.Job{}, false
}

func main() {
	config.RegisterFlags(rootCmd)

	resetCmd.Flags().String("job", "", "ID of the job to reset")

	rootCmd.AddCommand(
		versionCmd,
		statusCmd,
		resetCmd,
	)

	err := rootCmd.Execute()
	if err != nil {
		zerolog.Ctx(context.Background()).Fatal().Err(err).Msg("")
	}
}

// runServer runs the jobs and serves HTTP until a signal arrives or no job
// is left running.
func runServer(ctx context.Context, cfg *config.Config, jobs []config.Job) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, jc := range jobs {
		logEndpoints(ctx, jc)
	}

	runner, err := posm.Setup(ctx, cfg, jobs)
	if err != nil {
		return errors.Wrap(err, "setup")
	}

	defer func() {
		err := util.WithTimeout(context.WithoutCancel(ctx), config.DisconnectTimeout, runner.Close)
		if err != nil {
			log.New("server").Error(err, "Close")
		}
	}()

	srv := newServer(runner)

	addr := fmt.Sprintf("localhost:%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: srv.Handler(),

		ReadTimeout:       ServerReadTimeout,
		ReadHeaderTimeout: ServerReadHeaderTimeout,
	}

	grp, grpCtx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		log.Ctx(ctx).Info("Starting HTTP server at http://" + addr)

		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return errors.Wrap(err, "http server")
	})

	grp.Go(func() error {
		<-grpCtx.Done()

		return util.WithTimeout(context.WithoutCancel(ctx), ServerResponseTimeout,
			httpServer.Shutdown) //nolint:wrapcheck
	})

	runErr := runner.Run(grpCtx)

	// every job is done: stop the HTTP server as well
	stop()

	err = grp.Wait()

	return errors.Join(runErr, err)
}

func logEndpoints(ctx context.Context, jc config.Job) {
	hosts := func(uri string) string {
		cs, err := connstring.Parse(uri)
		if err != nil {
			return "?"
		}

		return cs.Scheme + "://" + strings.Join(cs.Hosts, ",")
	}

	log.Ctx(ctx).With(log.Job(jc.ID)).Infof("%s.%s -> %s.%s (oplog %s, %d collection(s))",
		hosts(jc.Source.URL), jc.Source.Namespace,
		hosts(jc.Destination.URL), jc.Destination.Namespace,
		hosts(jc.Source.OplogURL), len(jc.Collections))
}

// StatusProvider reports the status of every job.
type StatusProvider interface {
	Status() []posm.Status
}

// Server serves job status and metrics.
type Server struct {
	jobs StatusProvider

	// promRegistry is the Prometheus registry for metrics.
	promRegistry *prometheus.Registry
}

func newServer(jobs StatusProvider) *Server {
	promRegistry := prometheus.NewRegistry()
	metrics.Init(promRegistry)

	return &Server{jobs: jobs, promRegistry: promRegistry}
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.HandleStatus)
	mux.Handle("/metrics", s.HandleMetrics())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			log.New("http").Trace(r.Method + " " + r.URL.String())
		} else {
			log.New("http").Info(r.Method + " " + r.URL.String())
		}
		mux.ServeHTTP(w, r)
	})
}

// HandleStatus handles the /status endpoint.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w,
			http.StatusText(http.StatusMethodNotAllowed),
			http.StatusMethodNotAllowed)

		return
	}

	if r.ContentLength > MaxRequestSize {
		http.Error(w,
			http.StatusText(http.StatusRequestEntityTooLarge),
			http.StatusRequestEntityTooLarge)

		return
	}

	statuses := s.jobs.Status()

	res := statusResponse{
		Ok:   true,
		Jobs: make([]jobStatusResponse, len(statuses)),
	}

	for i, st := range statuses {
		js := newJobStatusResponse(st)
		if js.Err != "" {
			res.Ok = false
		}

		res.Jobs[i] = js
	}

	writeResponse(w, res)
}

func newJobStatusResponse(st posm.Status) jobStatusResponse {
	res := jobStatusResponse{
		JobID:      st.JobID,
		State:      st.State,
		StateSince: st.StateSince.UTC().Format(time.RFC3339),
		Action:     st.Action,
	}

	if st.Err != nil {
		res.Err = st.Err.Error()
	}

	if !st.StartTS.IsZero() {
		res.StartTS = formatTS(st.StartTS.T, st.StartTS.I)
	}

	if st.Clone.IsRunning() || st.Clone.CopiedDocuments != 0 {
		res.Copy = &copyStatusResponse{
			Collection:      st.Clone.Collection,
			CopiedDocuments: st.Clone.CopiedDocuments,
			CopiedSizeBytes: st.Clone.CopiedSizeBytes,
			CopiedSize:      humanize.Bytes(st.Clone.CopiedSizeBytes),
		}
	}

	if st.Repl.IsStarted() {
		res.Tail = &tailStatusResponse{
			EntriesRead: st.Repl.EntriesRead,
			DocsWritten: st.Repl.DocsWritten,
		}

		ts := st.Repl.LastAppliedTS
		if !ts.IsZero() {
			res.Tail.LastApplied = &lastAppliedOpTime{
				TS:      formatTS(ts.T, ts.I),
				ISODate: time.Unix(int64(ts.T), 0).UTC().Format(time.RFC3339),
			}
			res.Tail.LagTimeSeconds = max(0, time.Now().Unix()-int64(ts.T))
		}

		if !st.Repl.LastHeartbeat.IsZero() {
			res.Tail.LastHeartbeat = st.Repl.LastHeartbeat.UTC().Format(time.RFC3339)
		}
	}

	return res
}

func formatTS(t, i uint32) string {
	return fmt.Sprintf("%d.%d", t, i)
}

func (s *Server) HandleMetrics() http.Handler {
	return promhttp.HandlerFor(s.promRegistry, promhttp.HandlerOpts{})
}

// writeResponse writes the response as JSON to the ResponseWriter.
func writeResponse[T any](w http.ResponseWriter, resp T) {
	w.Header().Set("Content-Type", "application/json")

	err := json.NewEncoder(w).Encode(resp)
	if err != nil {
		http.Error(w,
			http.StatusText(http.StatusInternalServerError),
			http.StatusInternalServerError)
	}
}

// statusResponse represents the response body for the /status endpoint.
type statusResponse struct {
	// Ok is false if any job has failed.
	Ok bool `json:"ok"`

	Jobs []jobStatusResponse `json:"jobs"`
}

type jobStatusResponse struct {
	JobID      string     `json:"jobId"`
	State      posm.State `json:"state"`
	StateSince string     `json:"stateSince"`

	// Err is the fatal error of the job.
	Err string `json:"error,omitempty"`
	// Action is the recommended operator action for Err.
	Action string `json:"action,omitempty"`

	// StartTS is the oplog position captured before the last full copy.
	StartTS string `json:"startTs,omitempty"`

	Copy *copyStatusResponse `json:"copy,omitempty"`
	Tail *tailStatusResponse `json:"tail,omitempty"`
}

type copyStatusResponse struct {
	Collection      string `json:"collection,omitempty"`
	CopiedDocuments int64  `json:"copiedDocuments"`
	CopiedSizeBytes uint64 `json:"copiedSizeBytes"`
	CopiedSize      string `json:"copiedSize"`
}

type tailStatusResponse struct {
	// EntriesRead is the number of oplog entries read. Not counting idle ticks.
	EntriesRead int64 `json:"entriesRead"`
	// DocsWritten is the number of destination documents written.
	DocsWritten int64 `json:"docsWritten"`
	// LagTimeSeconds is the wall clock seconds behind the last applied entry.
	LagTimeSeconds int64 `json:"lagTimeSeconds"`

	LastApplied   *lastAppliedOpTime `json:"lastApplied,omitempty"`
	LastHeartbeat string             `json:"lastHeartbeat,omitempty"`
}

type lastAppliedOpTime struct {
	TS      string `json:"ts"`
	ISODate string `json:"isoDate"`
}

type POSMClient struct {
	port int
}

func NewClient(port int) POSMClient {
	return POSMClient{port: port}
}

// Status sends a request to get the status of the jobs.
func (c POSMClient) Status(ctx context.Context) error {
	return doClientRequest[statusResponse](ctx, c.port, http.MethodGet, "status", nil)
}

func doClientRequest[T any](ctx context.Context, port int, method, path string, body any) error {
	url := fmt.Sprintf("http://localhost:%d/%s", port, path)

	bodyData := []byte("")
	if body != nil {
		var err error
		bodyData, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encode request")
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(bodyData))
	if err != nil {
		return errors.Wrap(err, "build request")
	}

	log.Ctx(ctx).Debugf("%s /%s %s", method, path, string(bodyData))

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "request")
	}
	defer res.Body.Close()

	var resp T

	err = json.NewDecoder(res.Body).Decode(&resp)
	if err != nil {
		return errors.Wrap(err, "decode response")
	}

	j := json.NewEncoder(os.Stdout)
	j.SetIndent("", "  ")
	err = j.Encode(resp)

	return errors.Wrap(err, "print response")
}
