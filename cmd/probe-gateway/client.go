// ABOUTME: Operator subcommands that query a running gateway over HTTP and gRPC
// ABOUTME: health, probes and instruments print coloured tables

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/probe-gateway/internal/auth"
	"github.com/2389/probe-gateway/internal/config"
	"github.com/2389/probe-gateway/internal/gateway"
	"github.com/2389/probe-gateway/internal/instrument"
	"github.com/2389/probe-gateway/internal/live"
)

const requestTimeout = 10 * time.Second

// apiClient calls the gateway HTTP API as one developer.
type apiClient struct {
	base    string
	token   string
	devID   string
	httpCli *http.Client
}

// newAPIClient authenticates with an explicit token, or mints a short-lived
// admin token from auth.jwt_secret, or falls back to the X-Developer-Id
// header when the API is anonymous.
func newAPIClient(cfg *config.Config, token string) (*apiClient, error) {
	c := &apiClient{
		base:    "http://" + dialAddr(cfg.Server.HTTPAddr),
		token:   token,
		httpCli: &http.Client{Timeout: requestTimeout},
	}
	if c.token != "" {
		return c, nil
	}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), auth.PrincipalDeveloper)
		if err != nil {
			return nil, fmt.Errorf("creating verifier: %w", err)
		}
		c.token, err = verifier.Generate("probe-gateway-cli", 5*time.Minute, auth.RoleAdmin)
		if err != nil {
			return nil, fmt.Errorf("generating token: %w", err)
		}
		return c, nil
	}
	c.devID = os.Getenv("USER")
	return c, nil
}

func (c *apiClient) get(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.devID != "" {
		req.Header.Set(auth.HeaderDeveloperID, c.devID)
	}

	resp, err := c.httpCli.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("%s", resp.Status)
	}
	return json.Unmarshal(body, dst)
}

// dialAddr turns a listen address into one a local client can dial.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func loadForClient(name string, args []string, withKind bool) (*config.Config, *apiFlags, bool, error) {
	flags := &apiFlags{}
	fs := newFlagSet(name, &flags.configPath)
	fs.StringVar(&flags.token, "token", os.Getenv("PROBE_GATEWAY_TOKEN"), "developer token (default: minted from auth.jwt_secret)")
	if withKind {
		fs.StringVar(&flags.kind, "kind", "", "only applied instruments of this kind")
	}
	if ok, err := parseFlags(fs, args); !ok {
		return nil, nil, false, err
	}
	cfg, err := config.Load(config.Path(flags.configPath))
	if err != nil {
		return nil, nil, false, fmt.Errorf("loading config: %w", err)
	}
	return cfg, flags, true, nil
}

type apiFlags struct {
	configPath string
	token      string
	kind       string
}

// runHealth checks the HTTP liveness and readiness endpoints and, when a
// gRPC address is configured, every health service.
func runHealth(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("health", &configPath)
	if ok, err := parseFlags(fs, args); !ok {
		return err
	}
	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	base := "http://" + dialAddr(cfg.Server.HTTPAddr)
	for _, path := range []string{"/health", "/health/ready"} {
		status, body, err := httpGet(ctx, base+path)
		switch {
		case err != nil:
			red.Printf("  ✗ %-14s %v\n", path, err)
			return fmt.Errorf("health check failed: %w", err)
		case status == http.StatusOK:
			green.Printf("  ✓ %-14s ", path)
		default:
			yellow.Printf("  ! %-14s ", path)
		}
		fmt.Println(strings.TrimSpace(body))
	}

	if cfg.Server.GRPCAddr == "" {
		return nil
	}
	conn, err := grpc.NewClient(dialAddr(cfg.Server.GRPCAddr), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dialing gRPC: %w", err)
	}
	defer conn.Close()

	hc := healthpb.NewHealthClient(conn)
	services := append([]string{""}, instrument.Remotes...)
	for _, svc := range services {
		name := svc
		if name == "" {
			name = "gateway"
		}
		resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: svc})
		if err != nil {
			red.Printf("  ✗ %-32s %v\n", name, err)
			continue
		}
		if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
			green.Printf("  ✓ %-32s ", name)
		} else {
			yellow.Printf("  ! %-32s ", name)
		}
		fmt.Println(resp.GetStatus())
	}
	return nil
}

func httpGet(ctx context.Context, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, "", err
	}
	return resp.StatusCode, string(body), nil
}

func runProbes(ctx context.Context, args []string) error {
	cfg, flags, ok, err := loadForClient("probes", args, false)
	if !ok {
		return err
	}
	client, err := newAPIClient(cfg, flags.token)
	if err != nil {
		return err
	}

	var resp gateway.ProbesResponse
	if err := client.get(ctx, "/api/probes", &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold)
	cyan.Printf("%d probe(s) connected\n\n", resp.Connected)
	if len(resp.Probes) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCONNECTED\tMETA\tCAPABILITIES")
	for _, p := range resp.Probes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			p.ID,
			p.ConnectedAt.Local().Format(time.DateTime),
			formatMeta(p.Meta),
			strings.Join(p.Remotes, ","))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if len(resp.Remotes) > 0 {
		fmt.Println()
		remotes := make([]string, 0, len(resp.Remotes))
		for r := range resp.Remotes {
			remotes = append(remotes, r)
		}
		sort.Strings(remotes)
		for _, r := range remotes {
			fmt.Printf("  %-32s %d\n", r, resp.Remotes[r])
		}
	}
	return nil
}

func formatMeta(meta map[string]string) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+meta[k])
	}
	return strings.Join(parts, " ")
}

func runInstruments(ctx context.Context, args []string) error {
	cfg, flags, ok, err := loadForClient("instruments", args, true)
	if !ok {
		return err
	}
	client, err := newAPIClient(cfg, flags.token)
	if err != nil {
		return err
	}

	path := "/api/instruments"
	if flags.kind != "" {
		kind, err := instrument.ParseKind(flags.kind)
		if err != nil {
			return err
		}
		path += "?kind=" + string(kind)
	}

	var resp gateway.InstrumentsResponse
	if err := client.get(ctx, path, &resp); err != nil {
		return err
	}
	if len(resp.Instruments) == 0 {
		fmt.Println("no live instruments")
		return nil
	}

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tLOCATION\tOWNER\tSTATE\tHITS")
	for _, di := range resp.Instruments {
		inst := di.Instrument
		state := yellow("pending")
		if inst.Applied {
			state = green("applied")
		}
		hits, _ := inst.Meta.Get(live.MetaHitCount)
		if hits == "" {
			hits = "0"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			inst.ID, inst.Kind, inst.Location.String(), di.OwnerID, state, hits)
	}
	return w.Flush()
}
