package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/compose-spec/compose-go/v2/dotenv"
	"github.com/sitedock/sitedock/compose"
	"github.com/sitedock/sitedock/docker"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/encryption"
	"github.com/sitedock/sitedock/logging"
)

const (
	preferredWebUser = "www"
	fallbackWebUser  = "www-data"
)

var (
	requiredExtensions = []string{"pdo_mysql", "bcmath"}

	// Keys copied from the container environment into the application .env
	reconciledEnvKeys = []string{
		"DB_CONNECTION", "DB_HOST", "DB_PORT", "DB_DATABASE", "DB_USERNAME", "DB_PASSWORD",
		"REDIS_HOST", "REDIS_PORT", "APP_URL",
	}

	laravelWritableDirs = []string{
		"storage/app/public",
		"storage/framework/cache/data",
		"storage/framework/sessions",
		"storage/framework/views",
		"storage/logs",
		"bootstrap/cache",
	}

	plainEnvValue = regexp.MustCompile(`^[A-Za-z0-9_./:@+,-]*$`)
)

// builder runs post-sync steps against one site. Recoverable failures are
// collected as warnings; a returned error aborts the deployment.
type builder struct {
	driver     docker.Driver
	site       *domain.Site
	contentDir string
	webUser    string
	log        *logging.OperationLog
	warnings   []string
}

func (b *builder) warn(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	b.log.Printf("warning: %s", msg)
	b.warnings = append(b.warnings, msg)
}

func (b *builder) exec(ctx context.Context, user string, cmd ...string) docker.ExecResult {
	b.log.Printf("$ %s", strings.Join(cmd, " "))
	result := b.driver.Exec(ctx, b.site.ContainerName, cmd, docker.ExecOptions{
		User:    user,
		WorkDir: domain.ContainerContentRoot,
		Env:     []string{"COMPOSER_ALLOW_SUPERUSER=1"},
	})
	if out := strings.TrimSpace(result.Output); out != "" {
		_, _ = b.log.Write([]byte(out + "\n"))
	}
	if !result.OK() {
		b.log.Printf("exit code %d", result.ExitCode)
	}
	return result
}

// resolveWebUser prefers a dedicated www account and falls back to www-data
func (b *builder) resolveWebUser(ctx context.Context) string {
	if b.exec(ctx, "root", "id", "-u", preferredWebUser).OK() {
		return preferredWebUser
	}
	return fallbackWebUser
}

// normalizePermissions hands the tree to the web user. Directories become
// 755 and files 644, except files already executable which become 755 so
// the checkout stays clean. A failing step aborts the deployment.
func (b *builder) normalizePermissions(ctx context.Context) error {
	root := domain.ContainerContentRoot
	owner := b.webUser + ":" + b.webUser
	steps := [][]string{
		{"chown", "-R", owner, root},
		{"find", root, "-type", "d", "-exec", "chmod", "755", "{}", "+"},
		{"find", root, "-type", "f", "!", "-perm", "/111", "-exec", "chmod", "644", "{}", "+"},
		{"find", root, "-type", "f", "-perm", "/111", "-exec", "chmod", "755", "{}", "+"},
	}
	for _, cmd := range steps {
		if res := b.exec(ctx, "root", cmd...); !res.OK() {
			return res.Err(cmd[0], cmd)
		}
	}
	return nil
}

// trustCheckout marks the content root as a safe git directory for root in
// the container, since the tree is owned by the web user. Images without
// git are left alone.
func (b *builder) trustCheckout(ctx context.Context) {
	root := domain.ContainerContentRoot
	list := b.exec(ctx, "root", "git", "config", "--global", "--get-all", "safe.directory")
	if list.OK() && slices.Contains(strings.Fields(list.Output), root) {
		return
	}
	if !b.exec(ctx, "root", "git", "config", "--global", "--add", "safe.directory", root).OK() {
		b.log.Printf("%s was not marked as a safe git directory", root)
	}
}

func (b *builder) buildLaravel(ctx context.Context) error {
	b.ensureExtensions(ctx)

	if err := b.ensureComposer(ctx); err != nil {
		return err
	}
	install := []string{"composer", "install", "--no-dev", "--no-interaction", "--prefer-dist", "--optimize-autoloader"}
	if res := b.exec(ctx, "root", install...); !res.OK() {
		return res.Err("composer", install)
	}

	env, err := b.ensureDotEnv()
	if err != nil {
		return err
	}
	if env, err = b.reconcileDotEnv(ctx, env); err != nil {
		return err
	}

	if err := b.prepareWritableDirs(ctx); err != nil {
		return err
	}
	b.ensureSQLiteDatabase(ctx, env)

	artisan := func(args ...string) []string {
		return append([]string{"php", "artisan"}, args...)
	}
	if cmd := artisan("migrate", "--force"); !b.exec(ctx, b.webUser, cmd...).OK() {
		b.warn("database migrations failed, see %s", b.log.Path)
	}
	for _, target := range []string{"config:cache", "route:cache", "view:cache"} {
		if cmd := artisan(target); !b.exec(ctx, b.webUser, cmd...).OK() {
			b.warn("artisan %s failed", target)
		}
	}

	b.buildFrontend(ctx)
	return nil
}

func (b *builder) ensureExtensions(ctx context.Context) {
	res := b.exec(ctx, "root", "php", "-m")
	if !res.OK() {
		b.warn("could not list PHP extensions: %v", res.Err("php", []string{"php", "-m"}))
		return
	}
	loaded := strings.ToLower(res.Output)
	for _, ext := range requiredExtensions {
		if strings.Contains(loaded, ext) {
			continue
		}
		cmd := []string{"docker-php-ext-install", ext}
		if install := b.exec(ctx, "root", cmd...); !install.OK() {
			b.warn("PHP extension %s could not be installed", ext)
		}
	}
}

func (b *builder) ensureComposer(ctx context.Context) error {
	if b.exec(ctx, "root", "composer", "--version").OK() {
		return nil
	}
	cmd := []string{"sh", "-c", "curl -sS https://getcomposer.org/installer | php -- --install-dir=/usr/local/bin --filename=composer"}
	if res := b.exec(ctx, "root", cmd...); !res.OK() {
		return res.Err("composer installer", cmd)
	}
	return nil
}

// ensureDotEnv makes sure .env exists, seeding it from .env.example, and
// that it carries an application key
func (b *builder) ensureDotEnv() (map[string]string, error) {
	path := filepath.Join(b.contentDir, ".env")
	content, err := os.ReadFile(path)
	created := false
	switch {
	case errors.Is(err, os.ErrNotExist):
		created = true
		example, exErr := os.ReadFile(filepath.Join(b.contentDir, ".env.example"))
		if exErr != nil && !errors.Is(exErr, os.ErrNotExist) {
			return nil, &domain.IOError{Op: "read", Path: path + ".example", Err: exErr, Diagnostics: compose.Diagnose(path)}
		}
		content = example
		b.log.Printf("created .env from .env.example")
	case err != nil:
		return nil, &domain.IOError{Op: "read", Path: path, Err: err, Diagnostics: compose.Diagnose(path)}
	}

	env, err := dotenv.Parse(strings.NewReader(string(content)))
	if err != nil {
		return nil, domain.NewValidationError(".env", "%v", err)
	}

	text := string(content)
	if env["APP_KEY"] == "" {
		key, err := encryption.GenerateAppKey()
		if err != nil {
			return nil, err
		}
		text = setEnvLine(text, "APP_KEY", key)
		env["APP_KEY"] = key
		b.log.Printf("generated a new APP_KEY")
	}

	if created || text != string(content) {
		if err := compose.WriteFile(path, []byte(text), 0o640); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// reconcileDotEnv copies connection settings from the container environment
// into .env. The container wins on conflict.
func (b *builder) reconcileDotEnv(ctx context.Context, env map[string]string) (map[string]string, error) {
	containerEnv, err := b.driver.ContainerEnv(ctx, b.site.ContainerName)
	if err != nil {
		b.warn("could not read container environment: %v", err)
		return env, nil
	}

	path := filepath.Join(b.contentDir, ".env")
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, &domain.IOError{Op: "read", Path: path, Err: err, Diagnostics: compose.Diagnose(path)}
	}

	text := string(content)
	var changed []string
	for _, key := range reconciledEnvKeys {
		value, ok := containerEnv[key]
		if !ok || env[key] == value {
			continue
		}
		text = setEnvLine(text, key, value)
		env[key] = value
		changed = append(changed, key)
	}
	if len(changed) == 0 {
		return env, nil
	}

	if err := compose.WriteFile(path, []byte(text), 0o640); err != nil {
		return nil, err
	}
	b.log.Printf("updated .env keys from container: %s", strings.Join(changed, ", "))
	return env, nil
}

func (b *builder) prepareWritableDirs(ctx context.Context) error {
	for _, dir := range laravelWritableDirs {
		path := filepath.Join(b.contentDir, dir)
		if err := os.MkdirAll(path, 0o775); err != nil {
			return &domain.IOError{Op: "create", Path: path, Err: err, Diagnostics: compose.Diagnose(path)}
		}
	}

	owner := b.webUser + ":" + b.webUser
	steps := [][]string{
		{"chown", "-R", owner, "storage", "bootstrap/cache"},
		{"find", "storage", "bootstrap/cache", "-type", "d", "-exec", "chmod", "775", "{}", "+"},
		{"find", "storage", "bootstrap/cache", "-type", "f", "-exec", "chmod", "664", "{}", "+"},
	}
	for _, cmd := range steps {
		if res := b.exec(ctx, "root", cmd...); !res.OK() {
			return res.Err(cmd[0], cmd)
		}
	}
	return nil
}

func (b *builder) ensureSQLiteDatabase(ctx context.Context, env map[string]string) {
	if env["DB_CONNECTION"] != "sqlite" {
		return
	}
	rel := env["DB_DATABASE"]
	if rel == "" {
		rel = "database/database.sqlite"
	}
	rel = strings.TrimPrefix(rel, domain.ContainerContentRoot+"/")
	if filepath.IsAbs(rel) {
		b.warn("sqlite database %s is outside the content directory", rel)
		return
	}

	path := filepath.Join(b.contentDir, rel)
	if _, err := os.Stat(path); err == nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o775); err != nil {
		b.warn("could not create %s: %v", filepath.Dir(rel), err)
		return
	}
	if err := os.WriteFile(path, nil, 0o664); err != nil {
		b.warn("could not create sqlite database %s: %v", rel, err)
		return
	}
	cmd := []string{"chown", b.webUser + ":" + b.webUser, rel}
	if res := b.exec(ctx, "root", cmd...); !res.OK() {
		b.warn("could not hand %s to %s", rel, b.webUser)
	}
}

func (b *builder) buildFrontend(ctx context.Context) {
	if _, err := os.Stat(filepath.Join(b.contentDir, "package.json")); err != nil {
		return
	}

	install := []string{"npm", "install"}
	if _, err := os.Stat(filepath.Join(b.contentDir, "package-lock.json")); err == nil {
		install = []string{"npm", "ci"}
	}
	if !b.exec(ctx, "root", install...).OK() {
		b.warn("%s failed, frontend assets were not built", strings.Join(install, " "))
		return
	}
	if !b.exec(ctx, "root", "npm", "run", "build").OK() {
		b.warn("npm run build failed")
	}
}

// setEnvLine replaces the KEY= line of a dotenv document or appends one
func setEnvLine(content, key, value string) string {
	line := key + "=" + quoteDotEnv(value)
	lines := strings.Split(content, "\n")

	idx := slices.IndexFunc(lines, func(l string) bool {
		trimmed := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l), "export "))
		return strings.HasPrefix(trimmed, key+"=")
	})
	if idx >= 0 {
		lines[idx] = line
		return strings.Join(lines, "\n")
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return content + line + "\n"
}

func quoteDotEnv(value string) string {
	if plainEnvValue.MatchString(value) {
		return value
	}
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "$", `\$`).Replace(value)
	return `"` + escaped + `"`
}
