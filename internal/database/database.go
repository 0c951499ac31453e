package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/localrunapp/localrun/internal/config"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	dbPath := config.Cfg.DatabasePath
	dbDir := filepath.Dir(dbPath)
	if dbDir != "" {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return fmt.Errorf("create db directory: %w", err)
		}
	}

	var err error
	DB, err = gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}

	if err := DB.AutoMigrate(&Service{}, &Server{}, &DNSRecord{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	return nil
}

func seedDefaults() error {
	defaults := map[string]string{
		"default_provider":     "cloudflare",
		"default_dns_provider": "cloudflare",
		"default_dns_ttl":      "3600",
	}

	for key, value := range defaults {
		var count int64
		DB.Model(&Setting{}).Where("key = ?", key).Count(&count)
		if count == 0 {
			if err := DB.Create(&Setting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("seed setting %s: %w", key, err)
			}
		}
	}

	return nil
}

func Close() error {
	if DB != nil {
		sqlDB, err := DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	}
	return nil
}

func GetSetting(key string) (string, error) {
	var s Setting
	if err := DB.Where("key = ?", key).First(&s).Error; err != nil {
		return "", err
	}
	return s.Value, nil
}

func SetSetting(key, value string) error {
	return DB.Where("key = ?", key).Assign(Setting{Value: value}).FirstOrCreate(&Setting{Key: key}).Error
}

// Service helpers

func GetService(id uint) (*Service, error) {
	var s Service
	if err := DB.First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func ListEnabledServices() ([]Service, error) {
	var services []Service
	if err := DB.Where("enabled = ?", true).Order("id").Find(&services).Error; err != nil {
		return nil, err
	}
	return services, nil
}

func ListServices() ([]Service, error) {
	var services []Service
	if err := DB.Order("id").Find(&services).Error; err != nil {
		return nil, err
	}
	return services, nil
}

// UpdateServiceStatus writes back the observed lifecycle state and, when
// non-empty, the public URL and error message for a service.
func UpdateServiceStatus(id uint, status, publicURL, errMsg string) error {
	updates := map[string]interface{}{"status": status}
	if publicURL != "" {
		updates["public_url"] = publicURL
	}
	if status == ServiceRunning {
		now := time.Now().UTC()
		updates["started_at"] = &now
		updates["error_message"] = ""
	}
	if errMsg != "" {
		updates["error_message"] = errMsg
	}
	return DB.Model(&Service{}).Where("id = ?", id).Updates(updates).Error
}

// SetServicePassword hashes and stores the optional access password.
// An empty password clears the hash. Together with
// CheckServicePassword this is the storage half of the tunnel access
// gate; the ingress fronting password-protected services is the
// consumer.
func SetServicePassword(id uint, password string) error {
	if password == "" {
		return DB.Model(&Service{}).Where("id = ?", id).Update("password_hash", "").Error
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return DB.Model(&Service{}).Where("id = ?", id).Update("password_hash", string(hash)).Error
}

// CheckServicePassword verifies an access password against the stored hash.
func CheckServicePassword(s *Service, password string) bool {
	if s.PasswordHash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(s.PasswordHash), []byte(password)) == nil
}

// RecordScanMiss increments the consecutive-miss counter for a service
// absent from the latest port scan.
func RecordScanMiss(id uint) error {
	return DB.Model(&Service{}).Where("id = ?", id).
		Update("scan_misses", gorm.Expr("scan_misses + 1")).Error
}

// FlagPossiblyOffline marks a service that has been missing from
// consecutive scans. The service is never stopped for this.
func FlagPossiblyOffline(id uint) error {
	return DB.Model(&Service{}).Where("id = ?", id).Updates(map[string]interface{}{
		"possibly_offline": true,
		"scan_misses":      gorm.Expr("scan_misses + 1"),
	}).Error
}

// ClearScanMisses resets the miss counter and offline flag once the
// service shows up in a scan again.
func ClearScanMisses(id uint) error {
	return DB.Model(&Service{}).Where("id = ?", id).Updates(map[string]interface{}{
		"possibly_offline": false,
		"scan_misses":      0,
	}).Error
}

// Server helpers

func GetServer(id string) (*Server, error) {
	var s Server
	if err := DB.Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func ListServers() ([]Server, error) {
	var servers []Server
	if err := DB.Order("created_at").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

func SaveServer(s *Server) error {
	return DB.Save(s).Error
}

// MarkAgentStatus records the agent connectivity state and last-seen time.
func MarkAgentStatus(serverID, status string) error {
	now := time.Now().UTC()
	return DB.Model(&Server{}).Where("id = ?", serverID).Updates(map[string]interface{}{
		"agent_status": status,
		"last_seen":    &now,
	}).Error
}

// SaveScanResult stores a completed scan and resets the scan status.
func SaveScanResult(serverID, servicesJSON string) error {
	now := time.Now().UTC()
	return DB.Model(&Server{}).Where("id = ?", serverID).Updates(map[string]interface{}{
		"detected_services":   servicesJSON,
		"scan_status":         "completed",
		"last_scan_completed": &now,
	}).Error
}

// MarkScanStarted flags a server as being scanned.
func MarkScanStarted(serverID string) error {
	now := time.Now().UTC()
	return DB.Model(&Server{}).Where("id = ?", serverID).Updates(map[string]interface{}{
		"scan_status":       "scanning",
		"last_scan_started": &now,
	}).Error
}

// DNS record helpers

func ListDNSRecords() ([]DNSRecord, error) {
	var records []DNSRecord
	if err := DB.Order("id").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

func SaveDNSRecord(r *DNSRecord) error {
	return DB.Save(r).Error
}

func DeleteDNSRecord(id uint) error {
	return DB.Delete(&DNSRecord{}, id).Error
}
