package db

import (
	"fmt"

	"github.com/vigilcam/vigil/common"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

/*
GetSqliteDialector define Sqlite GORM dialector

	@param dbFile string - Sqlite DB file
	@return GORM sqlite dialector
*/
func GetSqliteDialector(dbFile string) gorm.Dialector {
	return sqlite.Open(fmt.Sprintf("%s?_foreign_keys=on", dbFile))
}

/*
GetInMemSqliteDialector define a in-memory Sqlite GORM dialector

	@param dbName string - in-memory Sqlite DB name
	@return GORM sqlite dialector
*/
func GetInMemSqliteDialector(dbName string) gorm.Dialector {
	return sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", dbName))
}

/*
GetPostgresDialector define Postgres GORM dialector

	@param config common.PostgresConfig - connection config
	@param password string - user password
	@return GORM postgres dialector
*/
func GetPostgresDialector(config common.PostgresConfig, password string) gorm.Dialector {
	dsn := fmt.Sprintf("host=%s port=%d dbname=%s", config.Host, config.Port, config.Database)
	if config.User != "" {
		dsn = fmt.Sprintf("%s user=%s", dsn, config.User)
	}
	if password != "" {
		dsn = fmt.Sprintf("%s password=%s", dsn, password)
	}
	if config.SSL.Enabled {
		dsn = fmt.Sprintf("%s sslmode=require", dsn)
	} else {
		dsn = fmt.Sprintf("%s sslmode=disable", dsn)
	}
	return postgres.Open(dsn)
}
