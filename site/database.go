package site

import (
	"context"
	"fmt"

	"github.com/sitedock/sitedock/docker"
	"github.com/sitedock/sitedock/domain"
)

// sqlEnv carries statements into the shared server container so they do not
// show up in its process list
const sqlEnv = "SITEDOCK_SQL"

// mariadbCommand runs $SITEDOCK_SQL as root using the password the server
// container was started with
var mariadbCommand = []string{"sh", "-c", `mariadb -uroot -p"$MARIADB_ROOT_PASSWORD" -e "$` + sqlEnv + `"`}

// provisionSharedDatabase creates the site's schema and user on the shared
// server. Statements are idempotent so a retry converges.
func (s *Service) provisionSharedDatabase(ctx context.Context, site *domain.Site) error {
	db := site.Database
	sql := fmt.Sprintf(
		"CREATE DATABASE IF NOT EXISTS `%[1]s` CHARACTER SET utf8mb4 COLLATE utf8mb4_unicode_ci; "+
			"CREATE USER IF NOT EXISTS '%[2]s'@'%%' IDENTIFIED BY '%[3]s'; "+
			"ALTER USER '%[2]s'@'%%' IDENTIFIED BY '%[3]s'; "+
			"GRANT ALL PRIVILEGES ON `%[1]s`.* TO '%[2]s'@'%%'; "+
			"FLUSH PRIVILEGES;",
		db.Name, db.User, db.Password)
	return s.runSharedSQL(ctx, sql)
}

func (s *Service) dropSharedDatabase(ctx context.Context, site *domain.Site) error {
	db := site.Database
	sql := fmt.Sprintf("DROP DATABASE IF EXISTS `%s`; DROP USER IF EXISTS '%s'@'%%';", db.Name, db.User)
	return s.runSharedSQL(ctx, sql)
}

func (s *Service) runSharedSQL(ctx context.Context, sql string) error {
	res := s.driver.Exec(ctx, s.opts.SharedDBContainer, mariadbCommand, docker.ExecOptions{
		Env: []string{sqlEnv + "=" + sql},
	})
	if !res.OK() {
		return res.Err("mariadb", mariadbCommand)
	}
	return nil
}
