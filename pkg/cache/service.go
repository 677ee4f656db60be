package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ApkExtractor/pkg/types"
)

// MaxRecentAddresses bounds the wireless address history.
const MaxRecentAddresses = 10

// PackageSnapshot is the last package list seen on a device.
type PackageSnapshot struct {
	DeviceID  string               `json:"deviceId"`
	FetchedAt int64                `json:"fetchedAt"`
	Entries   []types.PackageEntry `json:"entries"`
}

// Settings represents persistent application settings
type Settings struct {
	RecentAddresses []string         `json:"recentAddresses"`
	LastScriptPath  string           `json:"lastScriptPath"`
	LastRemotePath  string           `json:"lastRemotePath"`
	LastTarget      string           `json:"lastTarget"`
	DownloadDir     string           `json:"downloadDir"`
	LastActive      map[string]int64 `json:"lastActive"`
}

// Service manages the package cache and settings persistence
type Service struct {
	// Paths
	configDir    string
	cachePath    string
	settingsPath string

	// Package lists by device
	packages   map[string]PackageSnapshot
	packagesMu sync.RWMutex

	// Settings state (kept in sync with file)
	settings   Settings
	settingsMu sync.RWMutex

	// Logger function (optional)
	logFunc func(format string, args ...interface{})
}

// Config for creating a new cache Service
type Config struct {
	ConfigDir string
	LogFunc   func(format string, args ...interface{})
}

// New creates a new Service instance
func New(cfg Config) (*Service, error) {
	configDir := cfg.ConfigDir
	if configDir == "" {
		var err error
		configDir, err = os.UserConfigDir()
		if err != nil {
			configDir = os.TempDir()
		}
		configDir = filepath.Join(configDir, "apkx")
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, err
	}

	s := &Service{
		configDir:    configDir,
		cachePath:    filepath.Join(configDir, "packages_cache.json"),
		settingsPath: filepath.Join(configDir, "settings.json"),
		packages:     make(map[string]PackageSnapshot),
		settings:     Settings{LastActive: make(map[string]int64)},
		logFunc:      cfg.LogFunc,
	}

	// Load persisted data
	s.loadCache()
	s.loadSettings()

	return s, nil
}

// log writes a log message if logFunc is set
func (s *Service) log(format string, args ...interface{}) {
	if s.logFunc != nil {
		s.logFunc(format, args...)
	}
}

// ========================================
// Package Cache Methods
// ========================================

// GetPackages returns the cached package list of a device
func (s *Service) GetPackages(deviceID string) (PackageSnapshot, bool) {
	s.packagesMu.RLock()
	defer s.packagesMu.RUnlock()
	snap, ok := s.packages[deviceID]
	return snap, ok
}

// SetPackages replaces the cached package list of a device
func (s *Service) SetPackages(deviceID string, entries []types.PackageEntry) {
	snap := PackageSnapshot{
		DeviceID:  deviceID,
		FetchedAt: time.Now().Unix(),
		Entries:   append([]types.PackageEntry(nil), entries...),
	}
	s.packagesMu.Lock()
	s.packages[deviceID] = snap
	s.packagesMu.Unlock()
}

// ClearPackages clears the entire package cache
func (s *Service) ClearPackages() {
	s.packagesMu.Lock()
	s.packages = make(map[string]PackageSnapshot)
	s.packagesMu.Unlock()
}

// SaveCache persists the package cache to disk
func (s *Service) SaveCache() error {
	s.packagesMu.RLock()
	data, err := json.Marshal(s.packages)
	s.packagesMu.RUnlock()

	if err != nil {
		s.log("Error marshaling cache: %v", err)
		return err
	}

	if err := os.WriteFile(s.cachePath, data, 0644); err != nil {
		s.log("Error saving cache to %s: %v", s.cachePath, err)
		return err
	}
	return nil
}

func (s *Service) loadCache() {
	s.packagesMu.Lock()
	defer s.packagesMu.Unlock()

	data, err := os.ReadFile(s.cachePath)
	if err != nil {
		return
	}

	_ = json.Unmarshal(data, &s.packages)
}

// ========================================
// Settings Methods
// ========================================

// RecentAddresses returns wireless addresses, most recent first
func (s *Service) RecentAddresses() []string {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return append([]string(nil), s.settings.RecentAddresses...)
}

// LastAddress returns the most recently used wireless address
func (s *Service) LastAddress() string {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	if len(s.settings.RecentAddresses) == 0 {
		return ""
	}
	return s.settings.RecentAddresses[0]
}

// RememberAddress moves address to the front of the history
func (s *Service) RememberAddress(address string) {
	if address == "" {
		return
	}
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	list := []string{address}
	for _, a := range s.settings.RecentAddresses {
		if a != address {
			list = append(list, a)
		}
	}
	if len(list) > MaxRecentAddresses {
		list = list[:MaxRecentAddresses]
	}
	s.settings.RecentAddresses = list
}

// LastScript returns the last pushed script and its remote path
func (s *Service) LastScript() (local, remote string) {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings.LastScriptPath, s.settings.LastRemotePath
}

// SetLastScript records the script paths used by the last push
func (s *Service) SetLastScript(local, remote string) {
	s.settingsMu.Lock()
	s.settings.LastScriptPath = local
	s.settings.LastRemotePath = remote
	s.settingsMu.Unlock()
}

// LastTarget returns the last apk path handed to the script
func (s *Service) LastTarget() string {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings.LastTarget
}

// SetLastTarget records the script argument
func (s *Service) SetLastTarget(target string) {
	s.settingsMu.Lock()
	s.settings.LastTarget = target
	s.settingsMu.Unlock()
}

// DownloadDir returns the remembered download directory
func (s *Service) DownloadDir() string {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings.DownloadDir
}

// SetDownloadDir remembers the download directory
func (s *Service) SetDownloadDir(dir string) {
	s.settingsMu.Lock()
	s.settings.DownloadDir = dir
	s.settingsMu.Unlock()
}

// GetLastActive returns the last active timestamp for a device
func (s *Service) GetLastActive(deviceID string) int64 {
	s.settingsMu.RLock()
	defer s.settingsMu.RUnlock()
	return s.settings.LastActive[deviceID]
}

// SetLastActive updates the last active timestamp for a device
func (s *Service) SetLastActive(deviceID string, timestamp int64) {
	s.settingsMu.Lock()
	s.settings.LastActive[deviceID] = timestamp
	s.settingsMu.Unlock()
}

// SaveSettings persists settings to disk
func (s *Service) SaveSettings() error {
	s.settingsMu.RLock()
	data, err := json.MarshalIndent(s.settings, "", "  ")
	s.settingsMu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(s.settingsPath, data, 0644)
}

func (s *Service) loadSettings() {
	if s.settingsPath == "" {
		return
	}
	data, err := os.ReadFile(s.settingsPath)
	if err != nil {
		return
	}
	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		s.log("Ignoring unreadable settings %s: %v", s.settingsPath, err)
		return
	}
	if settings.LastActive == nil {
		settings.LastActive = make(map[string]int64)
	}
	if len(settings.RecentAddresses) > MaxRecentAddresses {
		settings.RecentAddresses = settings.RecentAddresses[:MaxRecentAddresses]
	}

	s.settingsMu.Lock()
	s.settings = settings
	s.settingsMu.Unlock()
}

// ========================================
// Path Accessors
// ========================================

// ConfigDir returns the configuration directory path
func (s *Service) ConfigDir() string {
	return s.configDir
}

// ========================================
// Shutdown
// ========================================

// Close saves the cache and settings before shutdown
func (s *Service) Close() error {
	if err := s.SaveCache(); err != nil {
		s.log("Error saving cache on close: %v", err)
	}
	if err := s.SaveSettings(); err != nil {
		s.log("Error saving settings on close: %v", err)
	}
	return nil
}
