package database

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/opsdeck/opsdeck/internal/config"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func Init() error {
	return InitAt(config.Cfg.DatabasePath)
}

// InitAt opens the database at the given path. Split out from Init so tests
// can point at a temp directory without going through config.
func InitAt(dbPath string) error {
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

	if err := DB.AutoMigrate(&User{}, &Server{}, &UserServer{}, &ScriptLog{}, &Setting{}); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if err := seedDefaults(); err != nil {
		return fmt.Errorf("seed defaults: %w", err)
	}

	return nil
}

func seedDefaults() error {
	defaults := map[string]string{
		"dashboard_title": "OpsDeck",
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

// User helpers

func GetUserByUsername(username string) (*User, error) {
	var u User
	if err := DB.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(id uint) (*User, error) {
	var u User
	if err := DB.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func CreateUser(user *User) error {
	return DB.Create(user).Error
}

func DeleteUser(id uint) error {
	DB.Where("user_id = ?", id).Delete(&UserServer{})
	return DB.Delete(&User{}, id).Error
}

func UpdateUserPassword(id uint, hash string) error {
	return DB.Model(&User{}).Where("id = ?", id).Update("password_hash", hash).Error
}

func ListUsers() ([]User, error) {
	var users []User
	if err := DB.Order("id").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func UserCount() (int64, error) {
	var count int64
	err := DB.Model(&User{}).Count(&count).Error
	return count, err
}

func GetFirstAdmin() (*User, error) {
	var u User
	if err := DB.Where("role = ?", "admin").Order("id").First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// Server helpers

func GetServerByID(id uint) (*Server, error) {
	var s Server
	if err := DB.First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func CreateServer(server *Server) error {
	return DB.Create(server).Error
}

func UpdateServer(server *Server) error {
	return DB.Save(server).Error
}

func DeleteServer(id uint) error {
	DB.Where("server_id = ?", id).Delete(&UserServer{})
	return DB.Delete(&Server{}, id).Error
}

func ListServers() ([]Server, error) {
	var servers []Server
	if err := DB.Order("id").Find(&servers).Error; err != nil {
		return nil, err
	}
	return servers, nil
}

func SetServerStatus(id uint, status string) error {
	return DB.Model(&Server{}).Where("id = ?", id).Update("status", status).Error
}

// Server assignment helpers

func GetUserServers(userID uint) ([]uint, error) {
	var grants []UserServer
	if err := DB.Where("user_id = ?", userID).Find(&grants).Error; err != nil {
		return nil, err
	}
	ids := make([]uint, len(grants))
	for i, g := range grants {
		ids[i] = g.ServerID
	}
	return ids, nil
}

func SetUserServers(userID uint, serverIDs []uint) error {
	DB.Where("user_id = ?", userID).Delete(&UserServer{})
	for _, sid := range serverIDs {
		if err := DB.Create(&UserServer{UserID: userID, ServerID: sid}).Error; err != nil {
			return err
		}
	}
	return nil
}

func IsUserAssignedToServer(userID, serverID uint) bool {
	var count int64
	DB.Model(&UserServer{}).Where("user_id = ? AND server_id = ?", userID, serverID).Count(&count)
	return count > 0
}
