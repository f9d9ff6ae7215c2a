package deploy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/sitedock/sitedock/audit"
	"github.com/sitedock/sitedock/db"
	"github.com/sitedock/sitedock/docker"
	"github.com/sitedock/sitedock/domain"
	"github.com/sitedock/sitedock/encryption"
	"github.com/sitedock/sitedock/git"
	"github.com/sitedock/sitedock/metrics"
	"github.com/sitedock/sitedock/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

type upstream struct {
	t       *testing.T
	bareDir string
	workDir string
	repo    *gogit.Repository
}

func newUpstream(t *testing.T, files map[string]string) (*upstream, string) {
	t.Helper()
	root := t.TempDir()
	u := &upstream{t: t, bareDir: filepath.Join(root, "remote.git"), workDir: filepath.Join(root, "work")}

	_, err := gogit.PlainInit(u.bareDir, true)
	require.NoError(t, err)
	u.repo, err = gogit.PlainInit(u.workDir, false)
	require.NoError(t, err)
	_, err = u.repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{u.bareDir}})
	require.NoError(t, err)

	var head string
	for name, content := range files {
		head = u.commit(name, content)
	}
	u.push()
	return u, head
}

func (u *upstream) commit(name, content string) string {
	u.t.Helper()
	path := filepath.Join(u.workDir, name)
	require.NoError(u.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(u.t, os.WriteFile(path, []byte(content), 0o644))

	worktree, err := u.repo.Worktree()
	require.NoError(u.t, err)
	_, err = worktree.Add(name)
	require.NoError(u.t, err)
	hash, err := worktree.Commit("update "+name, &gogit.CommitOptions{
		Author: &object.Signature{Name: "Test User", Email: "test@example.com", When: time.Now()},
	})
	require.NoError(u.t, err)
	return hash.String()
}

func (u *upstream) push() {
	u.t.Helper()
	require.NoError(u.t, u.repo.Push(&gogit.PushOptions{}))
}

type engineFixture struct {
	engine   *Engine
	driver   *docker.FakeDriver
	sites    repository.SiteRepository
	ops      repository.OperationRepository
	sitesDir string
	logsDir  string
}

func setupEngine(t *testing.T) *engineFixture {
	t.Helper()
	database, err := db.InitDatabase(db.DBConfig{Path: ":memory:", LogLevel: logger.Silent})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrateAll(database))

	key, err := encryption.GenerateKey()
	require.NoError(t, err)
	cipher, err := encryption.NewEncryptionService(key)
	require.NoError(t, err)

	root := t.TempDir()
	f := &engineFixture{
		driver: &docker.FakeDriver{
			ExecFunc: func(container string, cmd []string, opts docker.ExecOptions) docker.ExecResult {
				if cmd[0] == "id" {
					return docker.ExecResult{ExitCode: 1, Output: "id: 'www': no such user"}
				}
				return docker.ExecResult{}
			},
		},
		sites:    repository.NewSiteRepository(database, cipher),
		ops:      repository.NewOperationRepository(database),
		sitesDir: filepath.Join(root, "sites"),
		logsDir:  filepath.Join(root, "logs"),
	}
	f.engine = NewEngine(f.sites, f.ops, git.NewService(30*time.Second), f.driver, audit.Nop{}, metrics.New(), Options{
		SitesDir:   f.sitesDir,
		LogsDir:    f.logsDir,
		StaleAfter: 10 * time.Minute,
	})
	return f
}

func (f *engineFixture) createSite(t *testing.T, siteType domain.SiteType, repo string) *domain.Site {
	t.Helper()
	site := domain.NewSite("app", siteType, "app.example.com")
	site.DeployMethod = domain.DeployGitHub
	site.GitHub = domain.GitHubBinding{Repo: repo, Branch: "master"}
	created, err := f.sites.Create(&site)
	require.NoError(t, err)
	return created
}

func (f *engineFixture) contentDir(t *testing.T, site *domain.Site) string {
	t.Helper()
	dir, err := site.ContentDir(f.sitesDir)
	require.NoError(t, err)
	return dir
}

func TestDeploy_ClonesThenFastForwards(t *testing.T) {
	f := setupEngine(t)
	up, first := newUpstream(t, map[string]string{"index.php": "v1"})
	site := f.createSite(t, domain.SiteTypePHP, up.bareDir)
	ctx := context.Background()

	result := f.engine.Deploy(ctx, domain.Actor{Name: "alice"}, site.ID)
	require.True(t, result.Success, result.Error)
	outcome := result.Data.(Outcome)
	assert.True(t, outcome.Cloned)
	assert.Equal(t, first, outcome.Commit)
	assert.FileExists(t, outcome.LogPath)

	stored, err := f.sites.FindByID(site.ID)
	require.NoError(t, err)
	assert.Equal(t, first, stored.GitHub.LastCommitStr())
	assert.NotNil(t, stored.GitHub.LastPullAt)

	assert.Contains(t, f.driver.ExecCommands(), "chown -R www-data:www-data /var/www/html")
	assert.Contains(t, f.driver.ExecCommands(), "find /var/www/html -type f -perm /111 -exec chmod 755 {} +")
	assert.Contains(t, f.driver.ExecCommands(), "git config --global --add safe.directory /var/www/html")

	again := f.engine.Deploy(ctx, domain.Actor{Name: "alice"}, site.ID)
	require.True(t, again.Success, again.Error)
	assert.False(t, again.Data.(Outcome).Changed)

	second := up.commit("index.php", "v2")
	up.push()
	updated := f.engine.Deploy(ctx, domain.Actor{Name: "alice"}, site.ID)
	require.True(t, updated.Success, updated.Error)
	assert.True(t, updated.Data.(Outcome).Changed)
	assert.Equal(t, second, updated.Data.(Outcome).Commit)

	content, err := os.ReadFile(filepath.Join(f.contentDir(t, site), "index.php"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))

	current, err := f.ops.Current(domain.SiteLockKey(site.ID))
	require.NoError(t, err)
	assert.Nil(t, current)
	latest, err := f.ops.Latest(domain.SiteLockKey(site.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusSucceeded, latest.Status)
	assert.Equal(t, second, latest.Result)
}

func TestDeploy_ReplacesPlaceholderContent(t *testing.T) {
	f := setupEngine(t)
	up, _ := newUpstream(t, map[string]string{"index.php": "real"})
	site := f.createSite(t, domain.SiteTypePHP, up.bareDir)

	dir := f.contentDir(t, site)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("placeholder"), 0o644))

	result := f.engine.Deploy(context.Background(), domain.SystemActor, site.ID)
	require.True(t, result.Success, result.Error)
	assert.NoFileExists(t, filepath.Join(dir, "index.html"))
	assert.FileExists(t, filepath.Join(dir, "index.php"))
}

func TestDeploy_LocalChangesNeedForce(t *testing.T) {
	f := setupEngine(t)
	up, _ := newUpstream(t, map[string]string{"index.php": "v1"})
	site := f.createSite(t, domain.SiteTypePHP, up.bareDir)
	ctx := context.Background()
	require.True(t, f.engine.Deploy(ctx, domain.SystemActor, site.ID).Success)

	dir := f.contentDir(t, site)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.php"), []byte("edited on server"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644))
	remote := up.commit("index.php", "v2")
	up.push()

	result := f.engine.Deploy(ctx, domain.SystemActor, site.ID)
	assert.False(t, result.Success)
	assert.Equal(t, domain.KindExternalTool, result.ErrorKind)
	assert.Contains(t, result.Error, "force deploy")

	latest, err := f.ops.Latest(domain.SiteLockKey(site.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusFailed, latest.Status)
	assert.False(t, latest.InProgress)

	forced := f.engine.ForceDeploy(ctx, domain.SystemActor, site.ID)
	require.True(t, forced.Success, forced.Error)
	assert.Equal(t, remote, forced.Data.(Outcome).Commit)

	content, err := os.ReadFile(filepath.Join(dir, "index.php"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))
	assert.NoFileExists(t, filepath.Join(dir, "stray.txt"))
}

func TestDeploy_GuardConflict(t *testing.T) {
	f := setupEngine(t)
	up, _ := newUpstream(t, map[string]string{"index.php": "v1"})
	site := f.createSite(t, domain.SiteTypePHP, up.bareDir)

	holder := domain.NewOperation(domain.OperationDeploy, domain.SiteLockKey(site.ID), &site.ID, "bob")
	require.NoError(t, f.ops.Acquire(&holder, 10*time.Minute))

	result := f.engine.ForceDeploy(context.Background(), domain.SystemActor, site.ID)
	assert.False(t, result.Success)
	assert.Equal(t, domain.KindStateConflict, result.ErrorKind)
	assert.Contains(t, result.Error, "deploy already in progress")
	assert.False(t, git.IsRepository(f.contentDir(t, site)))
	assert.Empty(t, f.driver.Calls())
}

func TestDeploy_TakesOverStaleGuard(t *testing.T) {
	f := setupEngine(t)
	up, _ := newUpstream(t, map[string]string{"index.php": "v1"})
	site := f.createSite(t, domain.SiteTypePHP, up.bareDir)

	holder := domain.NewOperation(domain.OperationDeploy, domain.SiteLockKey(site.ID), &site.ID, "crashed")
	holder.StartedAt = time.Now().Add(-time.Hour)
	require.NoError(t, f.ops.Acquire(&holder, 10*time.Minute))

	result := f.engine.Deploy(context.Background(), domain.SystemActor, site.ID)
	require.True(t, result.Success, result.Error)

	ops, err := f.ops.List(10)
	require.NoError(t, err)
	statuses := map[string]domain.OperationStatus{}
	for _, op := range ops {
		statuses[op.Actor] = op.Status
	}
	assert.Equal(t, domain.OperationStatusAbandoned, statuses["crashed"])
	assert.Equal(t, domain.OperationStatusSucceeded, statuses["system"])
}

func TestDeploy_RequiresGitHub(t *testing.T) {
	f := setupEngine(t)
	site := domain.NewSite("manual", domain.SiteTypePHP, "manual.example.com")
	created, err := f.sites.Create(&site)
	require.NoError(t, err)

	result := f.engine.Deploy(context.Background(), domain.SystemActor, created.ID)
	assert.False(t, result.Success)
	assert.Equal(t, domain.KindValidation, result.ErrorKind)

	missing := f.engine.Deploy(context.Background(), domain.SystemActor, 999)
	assert.Equal(t, domain.KindNotFound, missing.ErrorKind)
}

func TestCompareRemote(t *testing.T) {
	f := setupEngine(t)
	up, first := newUpstream(t, map[string]string{"index.php": "v1"})
	site := f.createSite(t, domain.SiteTypePHP, up.bareDir)
	ctx := context.Background()

	before := f.engine.CompareRemote(ctx, site.ID)
	assert.False(t, before.Success)
	assert.Equal(t, domain.KindNotFound, before.ErrorKind)

	require.True(t, f.engine.Deploy(ctx, domain.SystemActor, site.ID).Success)
	same := f.engine.CompareRemote(ctx, site.ID)
	require.True(t, same.Success, same.Error)
	assert.False(t, same.Data.(RemoteComparison).HasUpdates)

	second := up.commit("index.php", "v2")
	up.push()

	ahead := f.engine.CompareRemote(ctx, site.ID)
	require.True(t, ahead.Success, ahead.Error)
	cmp := ahead.Data.(RemoteComparison)
	assert.True(t, cmp.HasUpdates)
	assert.Equal(t, first[:7], cmp.LocalCommit)
	assert.Equal(t, second[:7], cmp.RemoteCommit)

	head, err := git.LocalHead(f.contentDir(t, site))
	require.NoError(t, err)
	assert.Equal(t, first, head)
}

func TestStatus(t *testing.T) {
	f := setupEngine(t)
	up, _ := newUpstream(t, map[string]string{"index.php": "v1"})
	site := f.createSite(t, domain.SiteTypePHP, up.bareDir)

	never := f.engine.Status(site.ID)
	require.True(t, never.Success)
	assert.Equal(t, "never deployed", never.Message)

	require.True(t, f.engine.Deploy(context.Background(), domain.SystemActor, site.ID).Success)
	idle := f.engine.Status(site.ID)
	require.True(t, idle.Success)
	assert.Equal(t, "idle", idle.Message)
	assert.Equal(t, domain.OperationStatusSucceeded, idle.Data.(*domain.Operation).Status)
}

func laravelFiles() map[string]string {
	return map[string]string{
		".gitignore":   ".env\n/vendor\n/node_modules\n",
		".env.example": "APP_NAME=Laravel\nAPP_KEY=\nDB_CONNECTION=mysql\nDB_HOST=127.0.0.1\n",
		"artisan":      "#!/usr/bin/env php\n",
		"package.json": "{}",
	}
}

func TestDeploy_LaravelBuild(t *testing.T) {
	f := setupEngine(t)
	up, _ := newUpstream(t, laravelFiles())
	site := f.createSite(t, domain.SiteTypeLaravel, up.bareDir)

	f.driver.ExecFunc = func(container string, cmd []string, opts docker.ExecOptions) docker.ExecResult {
		line := strings.Join(cmd, " ")
		switch {
		case cmd[0] == "id":
			return docker.ExecResult{ExitCode: 0, Output: "1000"}
		case line == "php -m":
			return docker.ExecResult{Output: "[PHP Modules]\nbcmath\nctype\n"}
		case cmd[0] == "docker-php-ext-install":
			return docker.ExecResult{ExitCode: 2, Output: "build failed"}
		case line == "php artisan migrate --force":
			return docker.ExecResult{ExitCode: 1, Output: "SQLSTATE[HY000] [2002] Connection refused"}
		}
		return docker.ExecResult{}
	}
	f.driver.ContainerEnvFunc = func(container string) (map[string]string, error) {
		return map[string]string{
			"DB_HOST":     "sitedock_db",
			"DB_PASSWORD": "s3cret pass",
			"APP_URL":     "https://app.example.com",
			"PATH":        "/usr/bin",
		}, nil
	}

	result := f.engine.Deploy(context.Background(), domain.SystemActor, site.ID)
	require.True(t, result.Success, result.Error)
	assert.Len(t, result.Warnings, 2)
	assert.Contains(t, result.Warnings[0], "pdo_mysql")
	assert.Contains(t, result.Warnings[1], "migrations failed")

	dir := f.contentDir(t, site)
	env, err := os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Contains(t, string(env), "APP_NAME=Laravel\n")
	assert.Contains(t, string(env), "APP_KEY=\"base64:")
	assert.Contains(t, string(env), "DB_HOST=sitedock_db\n")
	assert.Contains(t, string(env), "DB_PASSWORD=\"s3cret pass\"\n")
	assert.Contains(t, string(env), "APP_URL=https://app.example.com\n")
	assert.NotContains(t, string(env), "PATH=")

	for _, d := range laravelWritableDirs {
		assert.DirExists(t, filepath.Join(dir, d))
	}

	commands := f.driver.ExecCommands()
	assert.Contains(t, commands, "chown -R www:www /var/www/html")
	assert.Contains(t, commands, "composer install --no-dev --no-interaction --prefer-dist --optimize-autoloader")
	assert.Contains(t, commands, "find storage bootstrap/cache -type d -exec chmod 775 {} +")
	assert.Contains(t, commands, "php artisan config:cache")
	assert.Contains(t, commands, "npm install")
	assert.Contains(t, commands, "npm run build")
	assert.NotContains(t, commands, "docker-php-ext-install bcmath")

	// A second deploy keeps the generated key
	firstEnv := string(env)
	require.True(t, f.engine.Deploy(context.Background(), domain.SystemActor, site.ID).Success)
	env, err = os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, firstEnv, string(env))
}

func TestDeploy_LaravelComposerFailureIsFatal(t *testing.T) {
	f := setupEngine(t)
	up, _ := newUpstream(t, laravelFiles())
	site := f.createSite(t, domain.SiteTypeLaravel, up.bareDir)

	f.driver.ExecFunc = func(container string, cmd []string, opts docker.ExecOptions) docker.ExecResult {
		if len(cmd) > 1 && cmd[0] == "composer" && cmd[1] == "install" {
			return docker.ExecResult{ExitCode: 1, Output: "Your requirements could not be resolved"}
		}
		return docker.ExecResult{}
	}

	result := f.engine.Deploy(context.Background(), domain.SystemActor, site.ID)
	assert.False(t, result.Success)
	assert.Equal(t, domain.KindExternalTool, result.ErrorKind)
	assert.Contains(t, result.Error, "could not be resolved")

	latest, err := f.ops.Latest(domain.SiteLockKey(site.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusFailed, latest.Status)
	assert.NotContains(t, f.driver.ExecCommands(), "php artisan migrate --force")
}

func TestDeploy_PermissionFailureIsFatal(t *testing.T) {
	f := setupEngine(t)
	up, _ := newUpstream(t, laravelFiles())
	site := f.createSite(t, domain.SiteTypeLaravel, up.bareDir)

	f.driver.ExecFunc = func(container string, cmd []string, opts docker.ExecOptions) docker.ExecResult {
		if cmd[0] == "chown" {
			return docker.ExecResult{ExitCode: 1, Output: "chown: changing ownership of '/var/www/html': Operation not permitted"}
		}
		return docker.ExecResult{}
	}

	result := f.engine.Deploy(context.Background(), domain.SystemActor, site.ID)
	assert.False(t, result.Success)
	assert.Equal(t, domain.KindExternalTool, result.ErrorKind)
	assert.Contains(t, result.Error, "Operation not permitted")

	commands := f.driver.ExecCommands()
	assert.NotContains(t, commands, "find /var/www/html -type d -exec chmod 755 {} +")
	assert.NotContains(t, commands, "composer install --no-dev --no-interaction --prefer-dist --optimize-autoloader")

	latest, err := f.ops.Latest(domain.SiteLockKey(site.ID))
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusFailed, latest.Status)
}

func TestDeploy_SafeDirectoryAddedOnce(t *testing.T) {
	f := setupEngine(t)
	up, _ := newUpstream(t, map[string]string{"index.php": "v1"})
	site := f.createSite(t, domain.SiteTypePHP, up.bareDir)

	f.driver.ExecFunc = func(container string, cmd []string, opts docker.ExecOptions) docker.ExecResult {
		if strings.Join(cmd, " ") == "git config --global --get-all safe.directory" {
			return docker.ExecResult{Output: "/srv/other\n/var/www/html\n"}
		}
		return docker.ExecResult{}
	}

	result := f.engine.Deploy(context.Background(), domain.SystemActor, site.ID)
	require.True(t, result.Success, result.Error)
	assert.Contains(t, f.driver.ExecCommands(), "git config --global --get-all safe.directory")
	assert.NotContains(t, f.driver.ExecCommands(), "git config --global --add safe.directory /var/www/html")
}

func TestDeploy_RecordsCommitWithoutRevertingConcurrentChanges(t *testing.T) {
	f := setupEngine(t)
	up, first := newUpstream(t, map[string]string{"index.php": "v1"})
	site := f.createSite(t, domain.SiteTypePHP, up.bareDir)

	// SSL and SFTP change after the deployment loaded the site, right
	// before it records the commit
	var port, clock int
	f.engine.now = func() time.Time {
		clock++
		if clock == 2 {
			current, err := f.sites.FindByID(site.ID)
			require.NoError(t, err)
			current.SSL = domain.SSLConfig{Enabled: true, Challenge: domain.ChallengeHTTP}
			require.NoError(t, f.sites.Update(current))
			port, err = f.sites.AllocateSFTPPort(site.ID)
			require.NoError(t, err)
		}
		return time.Now()
	}

	result := f.engine.Deploy(context.Background(), domain.SystemActor, site.ID)
	require.True(t, result.Success, result.Error)

	stored, err := f.sites.FindByID(site.ID)
	require.NoError(t, err)
	assert.Equal(t, first, stored.GitHub.LastCommitStr())
	assert.True(t, stored.SSL.Enabled)
	require.NotNil(t, stored.SFTP.Port)
	assert.Equal(t, port, *stored.SFTP.Port)
}

func TestDeploy_LaravelSQLite(t *testing.T) {
	f := setupEngine(t)
	files := laravelFiles()
	files[".env.example"] = "APP_KEY=base64:existing\nDB_CONNECTION=sqlite\n"
	delete(files, "package.json")
	up, _ := newUpstream(t, files)
	site := f.createSite(t, domain.SiteTypeLaravel, up.bareDir)

	result := f.engine.Deploy(context.Background(), domain.SystemActor, site.ID)
	require.True(t, result.Success, result.Error)

	dir := f.contentDir(t, site)
	assert.FileExists(t, filepath.Join(dir, "database", "database.sqlite"))
	env, err := os.ReadFile(filepath.Join(dir, ".env"))
	require.NoError(t, err)
	assert.Equal(t, "APP_KEY=base64:existing\nDB_CONNECTION=sqlite\n", string(env))
	assert.NotContains(t, f.driver.ExecCommands(), "npm run build")
}

func TestSetEnvLine(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		key      string
		value    string
		expected string
	}{
		{"replace", "A=1\nB=2\n", "A", "3", "A=3\nB=2\n"},
		{"append", "A=1\n", "B", "2", "A=1\nB=2\n"},
		{"append without trailing newline", "A=1", "B", "2", "A=1\nB=2\n"},
		{"empty", "", "A", "1", "A=1\n"},
		{"export prefix", "export A=1\n", "A", "2", "A=2\n"},
		{"prefix is not a match", "AB=1\n", "A", "2", "AB=1\nA=2\n"},
		{"quoted", "", "A", `x y"$`, "A=\"x y\\\"\\$\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, setEnvLine(tt.content, tt.key, tt.value))
		})
	}
}
