// Package registry maps 64-bit device ids to human-readable names for event
// enrichment and the status API. The registry file is pipe-delimited:
// hex-device-id|name|description|location, and can be refreshed from an
// HTTP endpoint operated alongside the host application.
package registry

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DeviceInfo is the registry entry for one device.
type DeviceInfo struct {
	DeviceID    uint64 `json:"device_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Location    string `json:"location,omitempty"`
}

// Service provides cached device lookups backed by the registry file.
type Service struct {
	path     string
	url      string
	logger   *zap.Logger
	mu       sync.RWMutex
	cache    map[uint64]*DeviceInfo
	lastLoad time.Time
	cacheTTL time.Duration
}

// NewService creates a lookup service. url may be empty to disable refresh.
func NewService(path, url string, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		path:     path,
		url:      url,
		logger:   logger,
		cache:    make(map[uint64]*DeviceInfo),
		cacheTTL: 5 * time.Minute,
	}
}

// Lookup returns the entry for id, or nil when unknown.
func (s *Service) Lookup(id uint64) *DeviceInfo {
	s.mu.RLock()
	needsRefresh := time.Since(s.lastLoad) > s.cacheTTL
	if !needsRefresh {
		if info, ok := s.cache[id]; ok {
			s.mu.RUnlock()
			return info
		}
	}
	s.mu.RUnlock()

	if needsRefresh {
		s.loadCache()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cache[id]
}

// Name returns a display name for id, falling back to the hex id.
func (s *Service) Name(id uint64) string {
	if info := s.Lookup(id); info != nil && info.Name != "" {
		return info.Name
	}
	return fmt.Sprintf("%016x", id)
}

func (s *Service) loadCache() {
	file, err := os.Open(s.path)
	if err != nil {
		return // registry file may not exist yet
	}
	defer file.Close()

	newCache := make(map[uint64]*DeviceInfo)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 2 {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 16, 64)
		if err != nil {
			continue
		}
		info := &DeviceInfo{DeviceID: id, Name: strings.TrimSpace(parts[1])}
		if len(parts) > 2 {
			info.Description = strings.TrimSpace(parts[2])
		}
		if len(parts) > 3 {
			info.Location = strings.TrimSpace(parts[3])
		}
		newCache[id] = info
	}

	s.mu.Lock()
	s.cache = newCache
	s.lastLoad = time.Now()
	s.mu.Unlock()
}

// Download fetches a fresh registry file and swaps it in atomically.
func (s *Service) Download() error {
	if s.url == "" {
		return fmt.Errorf("no registry url configured")
	}
	s.logger.Info("downloading device registry", zap.String("url", s.url), zap.String("destination", s.path))

	tmpPath := s.path + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = tmpFile.Close() }()
	defer func() { _ = os.Remove(tmpPath) }()

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Get(s.url)
	if err != nil {
		return fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status: %d", resp.StatusCode)
	}

	written, err := io.Copy(tmpFile, resp.Body)
	if err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}

	s.logger.Info("device registry updated", zap.Int64("bytes", written))
	s.loadCache()
	return nil
}

// RunUpdater refreshes the registry on an interval until ctx is done.
func (s *Service) RunUpdater(ctx context.Context, interval time.Duration) {
	if s.url == "" || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Download(); err != nil {
				s.logger.Warn("registry refresh failed", zap.Error(err))
			}
		}
	}
}
