package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	apiclient "github.com/daytonaio/daytona/libs/api-client-go"
	toolbox "github.com/daytonaio/daytona/libs/toolbox-api-client-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/observability"
)

const (
	defaultDaytonaAPIURL = "https://app.daytona.io/api"
	daytonaSourceHeader  = "switchboard"

	// taskDirName is the workspace subdirectory agent runs write into and
	// Reset wipes between requests.
	taskDirName = "switchboard-tasks"

	wsHandshakeTimeout = 30 * time.Second
)

// DaytonaPlatform implements Platform against the Daytona API.
type DaytonaPlatform struct {
	cfg    config.SandboxConfig
	logger *observability.Logger

	apiKey         string
	jwtToken       string
	organizationID string
	target         string

	apiClient  *apiclient.APIClient
	httpClient *http.Client

	proxyMu    sync.Mutex
	proxyCache map[string]string
}

// NewDaytonaPlatform builds the platform client. Credentials fall back to
// the DAYTONA_* environment when the config leaves them empty.
func NewDaytonaPlatform(cfg config.SandboxConfig, logger *observability.Logger) (*DaytonaPlatform, error) {
	daytona, err := resolveDaytonaConfig(cfg.Daytona)
	if err != nil {
		return nil, err
	}

	scheme, host, basePath, err := parseBaseURL(daytona.APIURL)
	if err != nil {
		return nil, err
	}

	apiCfg := apiclient.NewConfiguration()
	apiCfg.Host = host
	apiCfg.Scheme = scheme
	apiCfg.HTTPClient = &http.Client{}
	apiCfg.AddDefaultHeader("X-Daytona-Source", daytonaSourceHeader)
	if daytona.JWTToken != "" && daytona.OrganizationID != "" {
		apiCfg.AddDefaultHeader("X-Daytona-Organization-ID", daytona.OrganizationID)
	}
	apiCfg.Servers = apiclient.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}

	return &DaytonaPlatform{
		cfg:            cfg,
		logger:         logger,
		apiKey:         daytona.APIKey,
		jwtToken:       daytona.JWTToken,
		organizationID: daytona.OrganizationID,
		target:         daytona.Target,
		apiClient:      apiclient.NewAPIClient(apiCfg),
		httpClient:     apiCfg.HTTPClient,
		proxyCache:     make(map[string]string),
	}, nil
}

func resolveDaytonaConfig(cfg config.DaytonaConfig) (config.DaytonaConfig, error) {
	resolved := cfg
	resolved.APIKey = strings.TrimSpace(resolved.APIKey)
	resolved.JWTToken = strings.TrimSpace(resolved.JWTToken)
	resolved.OrganizationID = strings.TrimSpace(resolved.OrganizationID)
	resolved.APIURL = strings.TrimSpace(resolved.APIURL)
	resolved.Target = strings.TrimSpace(resolved.Target)

	if resolved.APIKey == "" {
		resolved.APIKey = strings.TrimSpace(os.Getenv("DAYTONA_API_KEY"))
	}
	if resolved.JWTToken == "" {
		resolved.JWTToken = strings.TrimSpace(os.Getenv("DAYTONA_JWT_TOKEN"))
	}
	if resolved.OrganizationID == "" {
		resolved.OrganizationID = strings.TrimSpace(os.Getenv("DAYTONA_ORGANIZATION_ID"))
	}
	if resolved.APIURL == "" {
		resolved.APIURL = strings.TrimSpace(os.Getenv("DAYTONA_API_URL"))
	}
	if resolved.APIURL == "" {
		resolved.APIURL = defaultDaytonaAPIURL
	}
	if resolved.Target == "" {
		resolved.Target = strings.TrimSpace(os.Getenv("DAYTONA_TARGET"))
	}

	if resolved.APIKey == "" && resolved.JWTToken == "" {
		return resolved, errors.New("daytona api key or jwt token is required")
	}
	if resolved.JWTToken != "" && resolved.OrganizationID == "" {
		return resolved, errors.New("daytona organization id is required when using a jwt token")
	}

	return resolved, nil
}

// Create boots a sandbox of the given flavor and polls until it is running.
func (p *DaytonaPlatform) Create(ctx context.Context, flavor string) (*Handle, error) {
	flavorCfg, ok := p.cfg.Flavors[flavor]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFlavor, flavor)
	}

	createReq := apiclient.NewCreateSandbox()
	createReq.SetName(fmt.Sprintf("switchboard-%s", uuid.NewString()))
	if p.target != "" {
		createReq.SetTarget(p.target)
	}
	if flavorCfg.Snapshot != "" {
		createReq.SetSnapshot(flavorCfg.Snapshot)
	} else if flavorCfg.Image != "" {
		createReq.SetBuildInfo(apiclient.CreateBuildInfo{
			DockerfileContent: fmt.Sprintf("FROM %s", flavorCfg.Image),
		})
	}
	if flavorCfg.Class != "" {
		createReq.SetClass(flavorCfg.Class)
	}
	if flavorCfg.CPU > 0 {
		createReq.SetCpu(int32(flavorCfg.CPU))
	}
	if flavorCfg.Memory > 0 {
		createReq.SetMemory(int32(flavorCfg.Memory))
	}

	created, httpResp, err := p.apiClient.SandboxAPI.CreateSandbox(p.authContext(ctx)).CreateSandbox(*createReq).Execute()
	if err != nil {
		return nil, fmt.Errorf("daytona create sandbox: %w", formatAPIError(err, httpResp))
	}

	state := created.GetState()
	if state == apiclient.SANDBOXSTATE_ERROR || state == apiclient.SANDBOXSTATE_BUILD_FAILED {
		return nil, fmt.Errorf("daytona sandbox failed to start: %s", state)
	}
	if state != apiclient.SANDBOXSTATE_STARTED {
		if err := p.waitForSandbox(ctx, created.GetId()); err != nil {
			_ = p.deleteSandbox(context.Background(), created.GetId())
			return nil, err
		}
	}

	baseURL, err := p.publicBaseURL(ctx, created.GetId())
	if err != nil {
		_ = p.deleteSandbox(context.Background(), created.GetId())
		return nil, err
	}

	now := time.Now()
	handle := &Handle{
		ID:            created.GetId(),
		Flavor:        flavor,
		PublicBaseURL: baseURL,
		CreatedAt:     now,
		LastUsedAt:    now,
		State:         StateWarm,
	}
	p.logInfo(ctx, "sandbox created", "sandbox_id", handle.ID, "flavor", flavor)
	return handle, nil
}

// Submit opens the sandbox's agent websocket and sends the task. The
// returned stream has no read deadline until the caller sets one.
func (p *DaytonaPlatform) Submit(ctx context.Context, handle *Handle, task Task) (*TaskStream, error) {
	endpoint, err := taskSocketURL(handle.PublicBaseURL, p.cfg.AgentPath)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+p.authToken())
	header.Set("X-Daytona-Source", daytonaSourceHeader)

	dialer := websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		return nil, fmt.Errorf("dial agent socket: %w", formatAPIError(err, resp))
	}

	if err := conn.WriteJSON(task); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send task: %w", err)
	}

	return NewTaskStream(conn), nil
}

// Reset wipes the sandbox's task workspace so the next request starts from
// the flavor baseline.
func (p *DaytonaPlatform) Reset(ctx context.Context, handle *Handle) error {
	tb, err := p.toolboxClientForBase(handle.PublicBaseURL)
	if err != nil {
		return err
	}

	workDir, err := p.fetchWorkDir(ctx, tb)
	if err != nil {
		return err
	}

	dir := path.Join(workDir, taskDirName)
	httpResp, err := tb.FileSystemAPI.DeleteFile(ctx).Path(dir).Recursive(true).Execute()
	if err != nil && (httpResp == nil || httpResp.StatusCode != http.StatusNotFound) {
		return fmt.Errorf("daytona wipe workspace: %w", formatToolboxError(err, httpResp))
	}

	return p.createFolder(ctx, tb, dir)
}

// Terminate destroys the sandbox.
func (p *DaytonaPlatform) Terminate(ctx context.Context, handle *Handle) error {
	if err := p.deleteSandbox(ctx, handle.ID); err != nil {
		return fmt.Errorf("daytona delete sandbox: %w", err)
	}
	p.logInfo(ctx, "sandbox terminated", "sandbox_id", handle.ID, "flavor", handle.Flavor)
	return nil
}

func (p *DaytonaPlatform) waitForSandbox(ctx context.Context, sandboxID string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		sb, httpResp, err := p.apiClient.SandboxAPI.GetSandbox(p.authContext(ctx), sandboxID).Execute()
		if err != nil {
			return fmt.Errorf("daytona sandbox status: %w", formatAPIError(err, httpResp))
		}

		switch sb.GetState() {
		case apiclient.SANDBOXSTATE_STARTED:
			return nil
		case apiclient.SANDBOXSTATE_ERROR, apiclient.SANDBOXSTATE_BUILD_FAILED, apiclient.SANDBOXSTATE_DESTROYED:
			return fmt.Errorf("daytona sandbox failed: %s", sb.GetState())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// publicBaseURL resolves the sandbox's externally reachable base URL, the
// root artifact URLs and the agent socket hang off.
func (p *DaytonaPlatform) publicBaseURL(ctx context.Context, sandboxID string) (string, error) {
	proxyURL, err := p.getToolboxProxyURL(ctx, sandboxID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/%s", strings.TrimRight(proxyURL, "/"), sandboxID), nil
}

func (p *DaytonaPlatform) getToolboxProxyURL(ctx context.Context, sandboxID string) (string, error) {
	cacheKey := strings.TrimSpace(p.target)
	p.proxyMu.Lock()
	if cacheKey != "" {
		if cached, ok := p.proxyCache[cacheKey]; ok {
			p.proxyMu.Unlock()
			return cached, nil
		}
	}
	p.proxyMu.Unlock()

	result, httpResp, err := p.apiClient.SandboxAPI.GetToolboxProxyUrl(p.authContext(ctx), sandboxID).Execute()
	if err != nil {
		return "", fmt.Errorf("get toolbox proxy url: %w", formatAPIError(err, httpResp))
	}

	proxyURL := strings.TrimRight(result.GetUrl(), "/")
	if cacheKey != "" {
		p.proxyMu.Lock()
		p.proxyCache[cacheKey] = proxyURL
		p.proxyMu.Unlock()
	}

	return proxyURL, nil
}

func (p *DaytonaPlatform) toolboxClientForBase(baseURL string) (*toolbox.APIClient, error) {
	scheme, host, basePath, err := parseBaseURL(baseURL)
	if err != nil {
		return nil, err
	}

	cfg := toolbox.NewConfiguration()
	cfg.Host = host
	cfg.Scheme = scheme
	cfg.HTTPClient = p.httpClient
	cfg.AddDefaultHeader("Authorization", "Bearer "+p.authToken())
	cfg.AddDefaultHeader("X-Daytona-Source", daytonaSourceHeader)
	if p.jwtToken != "" && p.organizationID != "" {
		cfg.AddDefaultHeader("X-Daytona-Organization-ID", p.organizationID)
	}
	cfg.Servers = toolbox.ServerConfigurations{
		{URL: fmt.Sprintf("%s://%s%s", scheme, host, basePath)},
	}

	return toolbox.NewAPIClient(cfg), nil
}

func (p *DaytonaPlatform) fetchWorkDir(ctx context.Context, tb *toolbox.APIClient) (string, error) {
	resp, httpResp, err := tb.InfoAPI.GetWorkDir(ctx).Execute()
	if err != nil {
		return "", fmt.Errorf("daytona get work dir: %w", formatToolboxError(err, httpResp))
	}
	if resp != nil && resp.GetDir() != "" {
		return resp.GetDir(), nil
	}
	return "/home/daytona", nil
}

func (p *DaytonaPlatform) createFolder(ctx context.Context, tb *toolbox.APIClient, dir string) error {
	httpResp, err := tb.FileSystemAPI.CreateFolder(ctx).Path(dir).Mode("0755").Execute()
	if err == nil {
		return nil
	}
	if httpResp != nil && httpResp.StatusCode == http.StatusConflict {
		return nil
	}
	return fmt.Errorf("daytona create folder: %w", formatToolboxError(err, httpResp))
}

func (p *DaytonaPlatform) deleteSandbox(ctx context.Context, sandboxID string) error {
	_, _, err := p.apiClient.SandboxAPI.DeleteSandbox(p.authContext(ctx), sandboxID).Execute()
	return err
}

func (p *DaytonaPlatform) authContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, apiclient.ContextAccessToken, p.authToken())
}

func (p *DaytonaPlatform) authToken() string {
	if p.apiKey != "" {
		return p.apiKey
	}
	return p.jwtToken
}

func (p *DaytonaPlatform) logInfo(ctx context.Context, msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(ctx, msg, args...)
	}
}

// taskSocketURL turns the sandbox public base URL into the agent task
// websocket endpoint.
func taskSocketURL(baseURL, agentPath string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse sandbox base url: %w", err)
	}

	switch parsed.Scheme {
	case "https":
		parsed.Scheme = "wss"
	case "http":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported sandbox base url scheme %q", parsed.Scheme)
	}

	parsed.Path = path.Join(parsed.Path, strings.Trim(agentPath, "/"), "tasks")
	return parsed.String(), nil
}

func parseBaseURL(raw string) (string, string, string, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		return "", "", "", errors.New("empty url")
	}
	if !strings.Contains(normalized, "://") {
		normalized = "https://" + normalized
	}

	parsed, err := url.Parse(normalized)
	if err != nil {
		return "", "", "", err
	}

	scheme := parsed.Scheme
	host := parsed.Host
	basePath := strings.TrimRight(parsed.Path, "/")
	if scheme == "" || host == "" {
		return "", "", "", fmt.Errorf("invalid url: %s", raw)
	}

	return scheme, host, basePath, nil
}

func formatAPIError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	return fmt.Errorf("%s (status %s)", err.Error(), resp.Status)
}

func formatToolboxError(err error, resp *http.Response) error {
	if resp == nil {
		return err
	}
	return fmt.Errorf("%s (status %s)", err.Error(), resp.Status)
}
