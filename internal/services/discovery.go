package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-ping/ping"
	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"gorm.io/gorm"

	"github.com/clinicore/smartplug-telemetry/internal/models"
	"github.com/clinicore/smartplug-telemetry/internal/shelly"
)

// DiscoveredPlug represents a smart plug found on the clinic LAN
type DiscoveredPlug struct {
	IPAddress       string            `json:"ip_address"`
	MACAddress      string            `json:"mac_address,omitempty"`
	Model           string            `json:"model,omitempty"`
	FirmwareVersion string            `json:"firmware_version,omitempty"`
	Generation      models.Generation `json:"generation"`
	AuthRequired    bool              `json:"auth_required"`
	AlreadyAdded    bool              `json:"already_added"` // a device row with this IP or MAC exists
}

// ScanProgress represents the current state of a discovery scan
type ScanProgress struct {
	ID              string           `json:"id"`
	Status          string           `json:"status"` // "scanning", "completed", "failed", "cancelled"
	Phase           string           `json:"phase"`  // "sweep", "probe", "completed"
	TotalHosts      int              `json:"total_hosts"`
	ScannedHosts    int              `json:"scanned_hosts"`
	DiscoveredCount int              `json:"discovered_count"`
	CurrentIP       string           `json:"current_ip,omitempty"`
	Plugs           []DiscoveredPlug `json:"plugs"`
	Error           string           `json:"error,omitempty"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     *time.Time       `json:"completed_at,omitempty"`
}

// WebSocketHub interface for broadcasting messages (avoids circular dependency)
type WebSocketHub interface {
	Broadcast(channel string, event string, data interface{})
}

// DiscoveryService finds unpaired smart plugs on the local network. Every
// plug generation answers GET /shelly without authentication, so that one
// probe both identifies a plug and classifies its generation.
type DiscoveryService struct {
	db              *gorm.DB
	wsHub           WebSocketHub
	httpClient      *http.Client
	scans           map[string]*ScanProgress
	cancelFuncs     map[string]context.CancelFunc
	mu              sync.RWMutex
	maxConcurrent   int
	scanExpiry      time.Duration
	cleanupInterval time.Duration
	shutdownChan    chan struct{}
}

// NewDiscoveryService creates a new discovery service
func NewDiscoveryService(db *gorm.DB, wsHub WebSocketHub) *DiscoveryService {
	s := &DiscoveryService{
		db:              db,
		wsHub:           wsHub,
		httpClient:      &http.Client{Timeout: 2 * time.Second},
		scans:           make(map[string]*ScanProgress),
		cancelFuncs:     make(map[string]context.CancelFunc),
		maxConcurrent:   3,
		scanExpiry:      30 * time.Minute,
		cleanupInterval: 5 * time.Minute,
		shutdownChan:    make(chan struct{}),
	}

	go s.cleanupExpiredScans()

	return s
}

// Shutdown gracefully stops the discovery service
func (s *DiscoveryService) Shutdown() {
	close(s.shutdownChan)

	s.mu.Lock()
	for scanID, cancel := range s.cancelFuncs {
		cancel()
		if progress, exists := s.scans[scanID]; exists && progress.Status == "scanning" {
			progress.Status = "cancelled"
			now := time.Now()
			progress.CompletedAt = &now
		}
	}
	s.mu.Unlock()
}

// cleanupExpiredScans periodically removes expired scans from memory
func (s *DiscoveryService) cleanupExpiredScans() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdownChan:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for scanID, progress := range s.scans {
				if progress.Status == "scanning" {
					continue
				}
				if progress.CompletedAt != nil && now.Sub(*progress.CompletedAt) > s.scanExpiry {
					log.Printf("[Discovery] Cleaning up expired scan %s", scanID)
					delete(s.scans, scanID)
					delete(s.cancelFuncs, scanID)
				}
			}
			s.mu.Unlock()
		}
	}
}

// StartScan initiates a discovery scan over a CIDR range and returns a scan ID
func (s *DiscoveryService) StartScan(ctx context.Context, cidr string) (string, error) {
	s.mu.RLock()
	activeScans := 0
	for _, progress := range s.scans {
		if progress.Status == "scanning" {
			activeScans++
		}
	}
	s.mu.RUnlock()

	if activeScans >= s.maxConcurrent {
		return "", fmt.Errorf("maximum concurrent scans (%d) reached, please wait for existing scans to complete", s.maxConcurrent)
	}

	_, _, err := net.ParseCIDR(cidr)
	if err != nil {
		return "", fmt.Errorf("invalid CIDR: %w", err)
	}

	scanID := uuid.New().String()
	progress := &ScanProgress{
		ID:        scanID,
		Status:    "scanning",
		Plugs:     []DiscoveredPlug{},
		StartedAt: time.Now(),
	}

	scanCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.scans[scanID] = progress
	s.cancelFuncs[scanID] = cancel
	s.mu.Unlock()

	go s.performScan(scanCtx, scanID, cidr)

	return scanID, nil
}

// CancelScan cancels a running scan
func (s *DiscoveryService) CancelScan(scanID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancel, exists := s.cancelFuncs[scanID]
	if !exists {
		return fmt.Errorf("scan not found")
	}

	progress, exists := s.scans[scanID]
	if !exists {
		return fmt.Errorf("scan not found")
	}
	if progress.Status != "scanning" {
		return fmt.Errorf("scan is not running")
	}

	cancel()

	progress.Status = "cancelled"
	now := time.Now()
	progress.CompletedAt = &now

	log.Printf("[Discovery] Cancelled scan %s", scanID)
	return nil
}

// GetScanProgress retrieves the current progress of a scan
func (s *DiscoveryService) GetScanProgress(scanID string) (*ScanProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	progress, exists := s.scans[scanID]
	if !exists {
		return nil, fmt.Errorf("scan not found")
	}
	return progress, nil
}

// performScan executes the actual discovery scan
func (s *DiscoveryService) performScan(ctx context.Context, scanID, cidr string) {
	log.Printf("[Discovery] Starting scan %s for CIDR %s", scanID, cidr)

	s.mu.Lock()
	progress := s.scans[scanID]
	progress.Phase = "sweep"
	s.mu.Unlock()
	s.broadcastProgress(scanID)

	ips, err := s.generateIPList(cidr)
	if err != nil {
		s.updateScanError(scanID, err.Error())
		s.broadcastProgress(scanID)
		return
	}

	// Ping sweep and mDNS discovery run in parallel; plugs announce
	// themselves over mDNS while idle hosts still answer ping.
	var pingHosts, mdnsHosts []string
	var discoveryWg sync.WaitGroup

	discoveryWg.Add(1)
	go func() {
		defer discoveryWg.Done()
		pingHosts = s.sweepWithPing(ctx, ips)
		log.Printf("[Discovery] Ping sweep found %d active hosts", len(pingHosts))
	}()

	discoveryWg.Add(1)
	go func() {
		defer discoveryWg.Done()
		mdnsHosts = s.sweepWithMDNS(ctx, 5*time.Second)
		log.Printf("[Discovery] mDNS sweep found %d candidate hosts", len(mdnsHosts))
	}()

	discoveryWg.Wait()

	hostMap := make(map[string]bool)
	for _, host := range pingHosts {
		hostMap[host] = true
	}
	for _, host := range mdnsHosts {
		hostMap[host] = true
	}
	activeHosts := make([]string, 0, len(hostMap))
	for host := range hostMap {
		activeHosts = append(activeHosts, host)
	}

	s.mu.Lock()
	progress.Phase = "probe"
	progress.ScannedHosts = 0
	progress.TotalHosts = len(activeHosts)
	s.mu.Unlock()
	s.broadcastProgress(scanID)

	var wg sync.WaitGroup
	plugChan := make(chan DiscoveredPlug, len(activeHosts))

	// Limit concurrent probes to avoid overwhelming the clinic network
	semaphore := make(chan struct{}, 10)

	for _, ip := range activeHosts {
		wg.Add(1)
		go func(ipAddr string) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()

				s.mu.Lock()
				progress.CurrentIP = ipAddr
				s.mu.Unlock()

				if plug := s.probePlug(ctx, ipAddr); plug != nil {
					plugChan <- *plug
				}

				s.mu.Lock()
				progress.ScannedHosts++
				s.mu.Unlock()
				s.broadcastProgress(scanID)
			}
		}(ip)
	}

	go func() {
		wg.Wait()
		close(plugChan)
	}()

	for plug := range plugChan {
		s.mu.Lock()
		progress.Plugs = append(progress.Plugs, plug)
		progress.DiscoveredCount = len(progress.Plugs)
		s.mu.Unlock()
		s.broadcastProgress(scanID)
	}

	now := time.Now()
	s.mu.Lock()
	if progress.Status == "scanning" {
		progress.Status = "completed"
		progress.CompletedAt = &now
	}
	progress.Phase = "completed"
	progress.CurrentIP = ""
	s.mu.Unlock()
	s.broadcastProgress(scanID)
}

// probePlug checks whether one host is a smart plug. Every generation
// answers GET /shelly without authentication: Gen2/Gen3 firmware returns
// the same document as Shelly.GetDeviceInfo, Gen1 returns a flat type/mac
// blob.
func (s *DiscoveryService) probePlug(ctx context.Context, ip string) *DiscoveredPlug {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/shelly", ip), nil)
	if err != nil {
		return nil
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}

	var info map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil
	}

	plug := &DiscoveredPlug{IPAddress: ip}

	generation, err := shelly.DetectGeneration(info)
	if err == nil {
		plug.Generation = generation
		if model, ok := info["model"].(string); ok {
			plug.Model = model
		}
		if ver, ok := info["ver"].(string); ok {
			plug.FirmwareVersion = ver
		}
		if mac, ok := info["mac"].(string); ok {
			plug.MACAddress = mac
		}
		if auth, ok := info["auth_en"].(bool); ok {
			plug.AuthRequired = auth
		}
	} else {
		// Gen1 identifies itself with a device type and MAC instead
		devType, hasType := info["type"].(string)
		mac, hasMAC := info["mac"].(string)
		if !hasType || !hasMAC {
			return nil
		}
		plug.Generation = models.Generation1
		plug.Model = devType
		plug.MACAddress = mac
		if fw, ok := info["fw"].(string); ok {
			plug.FirmwareVersion = fw
		}
		if auth, ok := info["auth"].(bool); ok {
			plug.AuthRequired = auth
		}
	}

	plug.AlreadyAdded = s.isPlugAlreadyAdded(ip, plug.MACAddress)

	log.Printf("[Discovery] Found Gen%d plug at %s (%s)", plug.Generation, ip, plug.Model)
	return plug
}

// sweepWithPing finds reachable hosts via ICMP, bounded by a worker pool
func (s *DiscoveryService) sweepWithPing(ctx context.Context, ips []string) []string {
	var activeHosts []string
	var mu sync.Mutex
	var wg sync.WaitGroup

	semaphore := make(chan struct{}, 32)

	for _, ip := range ips {
		wg.Add(1)
		go func(ipAddr string) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
				if s.isPingReachable(ipAddr) {
					mu.Lock()
					activeHosts = append(activeHosts, ipAddr)
					mu.Unlock()
				}
			}
		}(ip)
	}

	wg.Wait()
	return activeHosts
}

// isPingReachable checks if a host responds to ping
func (s *DiscoveryService) isPingReachable(ip string) bool {
	pinger, err := ping.NewPinger(ip)
	if err != nil {
		return false
	}

	// Unprivileged mode (UDP) avoids requiring root
	pinger.SetPrivileged(false)
	pinger.Count = 1
	pinger.Timeout = 2 * time.Second

	if err := pinger.Run(); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}

// sweepWithMDNS collects candidate hosts announcing themselves over mDNS.
// Plugs advertise an HTTP service with an instance name starting with
// "shelly".
func (s *DiscoveryService) sweepWithMDNS(ctx context.Context, timeout time.Duration) []string {
	discoveredIPs := make(map[string]bool)
	var mu sync.Mutex

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		log.Printf("[Discovery] Failed to create mDNS resolver: %v", err)
		return nil
	}

	entries := make(chan *zeroconf.ServiceEntry, 100)

	browseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := resolver.Browse(browseCtx, "_http._tcp", "local.", entries); err != nil {
		log.Printf("[Discovery] mDNS browse failed: %v", err)
		return nil
	}

	go func() {
		for entry := range entries {
			if entry == nil {
				continue
			}
			if !strings.HasPrefix(strings.ToLower(entry.Instance), "shelly") {
				continue
			}
			for _, ip := range entry.AddrIPv4 {
				mu.Lock()
				discoveredIPs[ip.String()] = true
				mu.Unlock()
			}
		}
	}()

	<-browseCtx.Done()

	mu.Lock()
	defer mu.Unlock()
	ips := make([]string, 0, len(discoveredIPs))
	for ip := range discoveredIPs {
		ips = append(ips, ip)
	}
	return ips
}

// generateIPList generates a list of IPs from a CIDR range
func (s *DiscoveryService) generateIPList(cidr string) ([]string, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var ips []string
	for ip := ip.Mask(ipNet.Mask); ipNet.Contains(ip); incrementIP(ip) {
		ips = append(ips, ip.String())
	}

	// Remove network and broadcast addresses
	if len(ips) > 2 {
		return ips[1 : len(ips)-1], nil
	}
	return ips, nil
}

func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

func (s *DiscoveryService) updateScanError(scanID, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if progress, exists := s.scans[scanID]; exists {
		progress.Status = "failed"
		progress.Error = errMsg
		now := time.Now()
		progress.CompletedAt = &now
	}
}

// broadcastProgress sends real-time scan progress via WebSocket
func (s *DiscoveryService) broadcastProgress(scanID string) {
	if s.wsHub == nil {
		return
	}

	s.mu.RLock()
	progress, exists := s.scans[scanID]
	s.mu.RUnlock()

	if !exists {
		return
	}

	s.wsHub.Broadcast("discovery", "scan_progress", progress)
}

// DetectLocalNetwork attempts to detect the local network CIDR
func (s *DiscoveryService) DetectLocalNetwork() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ipNet.IP.To4() == nil || ipNet.IP.IsLoopback() {
				continue
			}
			if isPrivateIP(ipNet.IP) {
				return ipNet.String(), nil
			}
		}
	}

	return "", fmt.Errorf("no private network interface found")
}

func isPrivateIP(ip net.IP) bool {
	privateRanges := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
	}

	for _, cidr := range privateRanges {
		_, ipNet, _ := net.ParseCIDR(cidr)
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// isPlugAlreadyAdded checks whether a device row with this IP or MAC exists
func (s *DiscoveryService) isPlugAlreadyAdded(ipAddress, macAddress string) bool {
	if s.db == nil {
		return false
	}

	query := s.db.Model(&models.Device{}).Where("device_ip = ?", ipAddress)
	if macAddress != "" {
		query = query.Or("mac = ?", macAddress)
	}

	var count int64
	if err := query.Count(&count).Error; err != nil {
		log.Printf("[Discovery] Failed to check for existing device: %v", err)
		return false
	}
	return count > 0
}
