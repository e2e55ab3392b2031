package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// HookCommand is one external command run by a post hook job.
type HookCommand struct {
	Name string   `yaml:"name"`
	Argv []string `yaml:"command"`
	// CollectionSystemTransfer limits the command to runs of one collection
	// system transfer (matched against the transfer name). Empty matches all.
	CollectionSystemTransfer string `yaml:"collectionSystemTransfer"`
}

// System is the openvdm.yaml system configuration shared by every process.
type System struct {
	SiteRoot              string                   `yaml:"siteRoot"`
	TransferLogsDir       string                   `yaml:"transferLogsDir"`
	DashboardDataDir      string                   `yaml:"dashboardDataDir"`
	PublicDataDestDir     string                   `yaml:"publicDataDestDir"`
	MD5SummaryFn          string                   `yaml:"md5SummaryFn"`
	MD5SummaryMD5Fn       string                   `yaml:"md5SummaryMd5Fn"`
	ShipToShoreTransfer   string                   `yaml:"shipToShoreTransferName"`
	SchedulerInterval     int                      `yaml:"schedulerInterval"`
	Hooks                 map[string][]string      `yaml:"hooks"`
	PostHookCommands      map[string][]HookCommand `yaml:"postHookCommands"`
	HookCommandTimeoutSec int                      `yaml:"hookCommandTimeout"`
}

// DefaultSystem returns the values used when openvdm.yaml omits a key.
func DefaultSystem() System {
	return System{
		SiteRoot:              "http://127.0.0.1/",
		TransferLogsDir:       "OpenVDM/TransferLogs",
		DashboardDataDir:      "OpenVDM/DashboardData",
		PublicDataDestDir:     "From_PublicData",
		MD5SummaryFn:          "MD5_Summary.txt",
		MD5SummaryMD5Fn:       "MD5_Summary.md5",
		ShipToShoreTransfer:   "SSDW",
		SchedulerInterval:     5,
		HookCommandTimeoutSec: 600,
	}
}

// LoadSystem reads and validates an openvdm.yaml file, filling defaults for missing keys.
func LoadSystem(path string) (System, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return System{}, fmt.Errorf("read system config: %w", err)
	}
	return ParseSystem(data)
}

// ParseSystem decodes openvdm.yaml content.
func ParseSystem(data []byte) (System, error) {
	sys := DefaultSystem()
	if err := yaml.Unmarshal(data, &sys); err != nil {
		return System{}, fmt.Errorf("parse system config: %w", err)
	}
	if sys.SiteRoot == "" {
		return System{}, fmt.Errorf("parse system config: siteRoot is required")
	}
	if !strings.HasSuffix(sys.SiteRoot, "/") {
		sys.SiteRoot += "/"
	}
	if sys.SchedulerInterval <= 0 {
		sys.SchedulerInterval = 5
	}
	return sys, nil
}

// HooksFor returns the hook job names configured to follow jobType.
func (s System) HooksFor(jobType string) []string {
	if s.Hooks == nil {
		return nil
	}
	return s.Hooks[jobType]
}

// HookTimeout bounds a single post hook command.
func (s System) HookTimeout() time.Duration {
	if s.HookCommandTimeoutSec <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(s.HookCommandTimeoutSec) * time.Second
}
