package statusstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"openvdm-jobs/internal/models"
)

// ErrNotFound is returned when the status store answers with an empty array.
var ErrNotFound = errors.New("not found in status store")

// DateLayout is the format the status store uses for cruise and lowering dates.
const DateLayout = "2006/01/02 15:04"

// Client is a typed client over the status store HTTP API rooted at siteRoot.
type Client struct {
	base string
	http *http.Client
}

// New builds a client. siteRoot must end with a slash.
func New(siteRoot string, timeout time.Duration) *Client {
	if !strings.HasSuffix(siteRoot, "/") {
		siteRoot += "/"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{base: siteRoot, http: &http.Client{Timeout: timeout}}
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("status store %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("status store %s: read body: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status store %s: unexpected status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil || len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("status store %s: decode: %w", req.URL.Path, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, out)
}

func (c *Client) getDefinition(ctx context.Context, path string) (models.TransferDefinition, error) {
	var defs []models.TransferDefinition
	if err := c.get(ctx, path, &defs); err != nil {
		return models.TransferDefinition{}, err
	}
	if len(defs) == 0 {
		return models.TransferDefinition{}, ErrNotFound
	}
	return defs[0], nil
}

// GetCollectionSystemTransfer fetches one collection system transfer by ID.
func (c *Client) GetCollectionSystemTransfer(ctx context.Context, id string) (models.TransferDefinition, error) {
	return c.getDefinition(ctx, "api/collectionSystemTransfers/getCollectionSystemTransfer/"+url.PathEscape(id))
}

// GetCruiseDataTransfer fetches one cruise data transfer by ID.
func (c *Client) GetCruiseDataTransfer(ctx context.Context, id string) (models.TransferDefinition, error) {
	return c.getDefinition(ctx, "api/cruiseDataTransfers/getCruiseDataTransfer/"+url.PathEscape(id))
}

// GetTransfer fetches a definition from the collection matching kind.
func (c *Client) GetTransfer(ctx context.Context, kind models.EntityKind, id string) (models.TransferDefinition, error) {
	switch kind {
	case models.EntityCollectionSystemTransfer:
		return c.GetCollectionSystemTransfer(ctx, id)
	case models.EntityCruiseDataTransfer:
		return c.GetCruiseDataTransfer(ctx, id)
	}
	return models.TransferDefinition{}, fmt.Errorf("get transfer: %s is not a transfer collection", kind)
}

// GetCollectionSystemTransfers lists every collection system transfer.
func (c *Client) GetCollectionSystemTransfers(ctx context.Context) ([]models.TransferDefinition, error) {
	var defs []models.TransferDefinition
	err := c.get(ctx, "api/collectionSystemTransfers/getCollectionSystemTransfers", &defs)
	return defs, err
}

// GetCruiseDataTransfers lists the operator-defined cruise data transfers.
func (c *Client) GetCruiseDataTransfers(ctx context.Context) ([]models.TransferDefinition, error) {
	var defs []models.TransferDefinition
	err := c.get(ctx, "api/cruiseDataTransfers/getCruiseDataTransfers", &defs)
	return defs, err
}

// GetRequiredCruiseDataTransfers lists the built-in cruise data transfers,
// such as ship-to-shore.
func (c *Client) GetRequiredCruiseDataTransfers(ctx context.Context) ([]models.TransferDefinition, error) {
	var defs []models.TransferDefinition
	err := c.get(ctx, "api/cruiseDataTransfers/getRequiredCruiseDataTransfers", &defs)
	return defs, err
}

// GetRequiredCruiseDataTransfer finds a required cruise data transfer by name.
func (c *Client) GetRequiredCruiseDataTransfer(ctx context.Context, name string) (models.TransferDefinition, error) {
	defs, err := c.GetRequiredCruiseDataTransfers(ctx)
	if err != nil {
		return models.TransferDefinition{}, err
	}
	for _, d := range defs {
		if d.Name == name {
			return d, nil
		}
	}
	return models.TransferDefinition{}, ErrNotFound
}

// GetActiveCollectionSystemTransfers returns the enabled collection system
// transfers within scope.
func (c *Client) GetActiveCollectionSystemTransfers(ctx context.Context, scope models.Scope) ([]models.TransferDefinition, error) {
	defs, err := c.GetCollectionSystemTransfers(ctx)
	if err != nil {
		return nil, err
	}
	out := defs[:0]
	for _, d := range defs {
		if bool(d.Enable) && d.InScope(scope) {
			out = append(out, d)
		}
	}
	return out, nil
}

// GetActiveCruiseDataTransfers returns the enabled cruise data transfers.
func (c *Client) GetActiveCruiseDataTransfers(ctx context.Context) ([]models.TransferDefinition, error) {
	defs, err := c.GetCruiseDataTransfers(ctx)
	if err != nil {
		return nil, err
	}
	out := defs[:0]
	for _, d := range defs {
		if d.Enable {
			out = append(out, d)
		}
	}
	return out, nil
}

// GetTasks lists the persisted tasks.
func (c *Client) GetTasks(ctx context.Context) ([]models.Task, error) {
	var tasks []models.Task
	err := c.get(ctx, "api/tasks/getTasks", &tasks)
	return tasks, err
}

// GetTaskByName finds a persisted task by its job name.
func (c *Client) GetTaskByName(ctx context.Context, name string) (models.Task, error) {
	tasks, err := c.GetTasks(ctx)
	if err != nil {
		return models.Task{}, err
	}
	for _, t := range tasks {
		if t.Name == name {
			return t, nil
		}
	}
	return models.Task{}, ErrNotFound
}

func statusPath(kind models.EntityKind, verb string) (string, error) {
	switch kind {
	case models.EntityCollectionSystemTransfer:
		return "api/collectionSystemTransfers/" + verb + "CollectionSystemTransfer/", nil
	case models.EntityCruiseDataTransfer:
		return "api/cruiseDataTransfers/" + verb + "CruiseDataTransfer/", nil
	case models.EntityTask:
		return "api/tasks/" + verb + "Task/", nil
	}
	return "", fmt.Errorf("no status collection for %q", kind)
}

// SetRunning marks an entity running under pid and the queue handle.
func (c *Client) SetRunning(ctx context.Context, kind models.EntityKind, id string, pid int, handle string) error {
	path, err := statusPath(kind, "setRunning")
	if err != nil {
		return err
	}
	form := url.Values{"jobPid": {strconv.Itoa(pid)}, "jobHandle": {handle}}
	return c.post(ctx, path+url.PathEscape(id), form, nil)
}

// SetIdle marks an entity idle and clears its pid.
func (c *Client) SetIdle(ctx context.Context, kind models.EntityKind, id string) error {
	path, err := statusPath(kind, "setIdle")
	if err != nil {
		return err
	}
	return c.get(ctx, path+url.PathEscape(id), nil)
}

// SetError marks an entity errored with reason.
func (c *Client) SetError(ctx context.Context, kind models.EntityKind, id, reason string) error {
	path, err := statusPath(kind, "setError")
	if err != nil {
		return err
	}
	return c.post(ctx, path+url.PathEscape(id), url.Values{"reason": {reason}}, nil)
}

// ClearErrorIfIdleRequested returns an entity to idle only when the caller
// observed it in error before the job ran, so a concurrent running state is
// never overwritten.
func (c *Client) ClearErrorIfIdleRequested(ctx context.Context, kind models.EntityKind, id string, previous models.Status) error {
	if previous != models.StatusError {
		return nil
	}
	return c.SetIdle(ctx, kind, id)
}

// SendMessage posts an operator notification. Delivery failures are logged only.
func (c *Client) SendMessage(ctx context.Context, title, body string) {
	form := url.Values{"messageTitle": {title}, "messageBody": {body}}
	if err := c.post(ctx, "api/messages/newMessage", form, nil); err != nil {
		log.WithError(err).WithField("title", title).Warn("operator message not delivered")
	}
}

// RecordJobTracking registers a job that has no persisted task row.
func (c *Client) RecordJobTracking(ctx context.Context, jobName string, pid int, handle string) error {
	form := url.Values{"jobName": {jobName}, "jobPid": {strconv.Itoa(pid)}}
	return c.post(ctx, "api/gearman/newJob/"+url.PathEscape(handle), form, nil)
}

// ClearAllJobsFromDB drops every tracked job record.
func (c *Client) ClearAllJobsFromDB(ctx context.Context) error {
	return c.get(ctx, "api/gearman/clearAllJobsFromDB", nil)
}

// GetWarehouseConfig returns the shipboard data warehouse layout.
func (c *Client) GetWarehouseConfig(ctx context.Context) (models.WarehouseConfig, error) {
	var cfg models.WarehouseConfig
	if err := c.get(ctx, "api/warehouse/getShipboardDataWarehouseConfig", &cfg); err != nil {
		return models.WarehouseConfig{}, err
	}
	return cfg, nil
}

// getValue fetches a single-key object such as {"cruiseID":"FK2301"} and
// returns the value as a string.
func (c *Client) getValue(ctx context.Context, endpoint, key string) (string, error) {
	var obj map[string]any
	if err := c.get(ctx, "api/warehouse/"+endpoint, &obj); err != nil {
		return "", err
	}
	switch v := obj[key].(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return fmt.Sprint(v), nil
	}
}

func (c *Client) getDate(ctx context.Context, endpoint, key string) (time.Time, error) {
	s, err := c.getValue(ctx, endpoint, key)
	if err != nil || s == "" {
		return time.Time{}, err
	}
	return ParseDate(s)
}

func (c *Client) getSwitch(ctx context.Context, endpoint, key string) (bool, error) {
	s, err := c.getValue(ctx, endpoint, key)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(s) {
	case "on", "1", "true", "yes":
		return true, nil
	}
	return false, nil
}

// ParseDate parses a status store date in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// GetCruiseID returns the current cruise identifier.
func (c *Client) GetCruiseID(ctx context.Context) (string, error) {
	return c.getValue(ctx, "getCruiseID", "cruiseID")
}

// GetLoweringID returns the current lowering identifier, empty when none.
func (c *Client) GetLoweringID(ctx context.Context) (string, error) {
	return c.getValue(ctx, "getLoweringID", "loweringID")
}

func (c *Client) GetCruiseStartDate(ctx context.Context) (time.Time, error) {
	return c.getDate(ctx, "getCruiseStartDate", "cruiseStartDate")
}

func (c *Client) GetCruiseEndDate(ctx context.Context) (time.Time, error) {
	return c.getDate(ctx, "getCruiseEndDate", "cruiseEndDate")
}

func (c *Client) GetLoweringStartDate(ctx context.Context) (time.Time, error) {
	return c.getDate(ctx, "getLoweringStartDate", "loweringStartDate")
}

func (c *Client) GetLoweringEndDate(ctx context.Context) (time.Time, error) {
	return c.getDate(ctx, "getLoweringEndDate", "loweringEndDate")
}

// GetSystemStatus reports whether scheduled transfers are switched on.
func (c *Client) GetSystemStatus(ctx context.Context) (bool, error) {
	return c.getSwitch(ctx, "getSystemStatus", "systemStatus")
}

func (c *Client) GetShowLoweringComponents(ctx context.Context) (bool, error) {
	return c.getSwitch(ctx, "getShowLoweringComponents", "showLoweringComponents")
}

func (c *Client) GetShipToShoreBWLimitStatus(ctx context.Context) (bool, error) {
	return c.getSwitch(ctx, "getShipToShoreBWLimitStatus", "shipToShoreBWLimitStatus")
}

// GetMD5FilesizeLimit returns the size cap in megabytes above which files
// are not hashed.
func (c *Client) GetMD5FilesizeLimit(ctx context.Context) (int, error) {
	s, err := c.getValue(ctx, "getMD5FilesizeLimit", "md5FilesizeLimit")
	if err != nil || s == "" {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("md5 filesize limit %q: %w", s, err)
	}
	return n, nil
}

func (c *Client) GetMD5FilesizeLimitStatus(ctx context.Context) (bool, error) {
	return c.getSwitch(ctx, "getMD5FilesizeLimitStatus", "md5FilesizeLimitStatus")
}

// GetExtraDirectories lists the operator-defined extra directories.
func (c *Client) GetExtraDirectories(ctx context.Context) ([]models.ExtraDirectory, error) {
	var dirs []models.ExtraDirectory
	err := c.get(ctx, "api/extraDirectories/getExtraDirectories", &dirs)
	return dirs, err
}

// GetRequiredExtraDirectories lists the built-in extra directories.
func (c *Client) GetRequiredExtraDirectories(ctx context.Context) ([]models.ExtraDirectory, error) {
	var dirs []models.ExtraDirectory
	err := c.get(ctx, "api/extraDirectories/getRequiredExtraDirectories", &dirs)
	return dirs, err
}
