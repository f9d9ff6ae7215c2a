package compose

import (
	"fmt"
	"strconv"

	"github.com/sitedock/sitedock/domain"
)

const (
	TraefikService  = "traefik"
	SharedDBService = "db"
	AppService      = "app"
	DatabaseService = "db"
	RedisService    = "redis"
	SFTPService     = "sftp"

	LetsEncryptDir = "letsencrypt"
	ACMEFile       = "acme.json"
	ACMEDNSFile    = "acme-dns.json"
	DNSEnvFile     = "dns.env"
	ProxyEnvFile   = ".env"

	ArgACMEEmail      = "--certificatesresolvers.letsencrypt.acme.email="
	ArgACMEStorage    = "--certificatesresolvers.letsencrypt.acme.storage="
	ArgDNSResolver    = "--certificatesresolvers.letsencrypt-dns."
	ArgDNSEmail       = "--certificatesresolvers.letsencrypt-dns.acme.email="
	ArgDNSStorage     = "--certificatesresolvers.letsencrypt-dns.acme.storage="
	ArgDNSProvider    = "--certificatesresolvers.letsencrypt-dns.acme.dnschallenge.provider="
	ArgDNSChallenge   = "--certificatesresolvers.letsencrypt-dns.acme.dnschallenge=true"
	ArgDNSResolvers   = "--certificatesresolvers.letsencrypt-dns.acme.dnschallenge.resolvers=1.1.1.1:53,8.8.8.8:53"
	SharedDBRootEnv   = "SITEDOCK_DB_ROOT_PASSWORD"
	containerLEMount  = "/letsencrypt"
	defaultRestart    = "unless-stopped"
	mariadbImage      = "mariadb:11"
	redisImage        = "redis:7-alpine"
	sftpImage         = "atmoz/sftp:alpine"
	defaultTraefikImg = "traefik:v3.1"
)

// MainOptions parameterises the proxy stack
type MainOptions struct {
	Network           string
	ACMEEmail         string
	TraefikImage      string
	SharedDBContainer string
}

// DefaultMainManifest is the proxy stack seeded on first run: Traefik with
// the HTTP challenge resolver and the shared MariaDB server.
func DefaultMainManifest(opts MainOptions) *Manifest {
	image := opts.TraefikImage
	if image == "" {
		image = defaultTraefikImg
	}

	return &Manifest{
		Name: "sitedock",
		Services: map[string]*Service{
			TraefikService: {
				Image:         image,
				ContainerName: "sitedock_traefik",
				Restart:       defaultRestart,
				Command: StringList{
					"--providers.docker=true",
					"--providers.docker.exposedbydefault=false",
					"--providers.docker.network=" + opts.Network,
					"--entrypoints.web.address=:80",
					"--entrypoints.websecure.address=:443",
					ArgACMEEmail + opts.ACMEEmail,
					ArgACMEStorage + containerLEMount + "/" + ACMEFile,
					"--certificatesresolvers.letsencrypt.acme.httpchallenge=true",
					"--certificatesresolvers.letsencrypt.acme.httpchallenge.entrypoint=web",
				},
				Ports: []string{"80:80", "443:443"},
				Volumes: []string{
					"/var/run/docker.sock:/var/run/docker.sock:ro",
					"./" + LetsEncryptDir + ":" + containerLEMount,
				},
				Networks: []string{opts.Network},
			},
			SharedDBService: {
				Image:         mariadbImage,
				ContainerName: opts.SharedDBContainer,
				Restart:       defaultRestart,
				Environment: StringList{
					"MARIADB_ROOT_PASSWORD=${" + SharedDBRootEnv + "}",
				},
				Volumes:  []string{"shared_db:/var/lib/mysql"},
				Networks: []string{opts.Network},
			},
		},
		Networks: map[string]*Network{
			opts.Network: {Name: opts.Network},
		},
		Volumes: map[string]*Volume{
			"shared_db": nil,
		},
	}
}

// SiteOptions parameterises a site stack
type SiteOptions struct {
	// Network is the external proxy network shared with Traefik
	Network string
	// Labels are the routing labels of the main container
	Labels []string
}

// SiteImage returns the container image of a site's main service
func SiteImage(site *domain.Site) string {
	version := site.PHPVersion
	if version == "" {
		version = domain.DefaultPHPVersion
	}
	switch site.Type {
	case domain.SiteTypeWordPress:
		return fmt.Sprintf("wordpress:php%s-apache", version)
	case domain.SiteTypeMariaDB:
		return mariadbImage
	default:
		return fmt.Sprintf("php:%s-apache", version)
	}
}

// DedicatedDBHost is the hostname of a site's own database container
func DedicatedDBHost(site *domain.Site) string {
	return site.ContainerName + "_db"
}

// RedisHost is the hostname of a site's redis sidecar
func RedisHost(site *domain.Site) string {
	return site.ContainerName + "_redis"
}

// BuildSiteManifest builds the stack of one site from its record. Secrets
// must already be decrypted on site.
func BuildSiteManifest(site *domain.Site, opts SiteOptions) (*Manifest, error) {
	if site.ContainerName == "" {
		return nil, fmt.Errorf("site %s has no container name", site.Name)
	}

	app := &Service{
		Image:         SiteImage(site),
		ContainerName: site.ContainerName,
		Restart:       defaultRestart,
		Labels:        StringList(append([]string(nil), opts.Labels...)),
	}

	m := &Manifest{
		Name:     site.ContainerName,
		Services: map[string]*Service{AppService: app},
		Networks: map[string]*Network{
			opts.Network: {Name: opts.Network, External: true},
		},
	}

	if site.Type == domain.SiteTypeMariaDB {
		app.Environment = StringList{
			"MARIADB_DATABASE=" + site.Database.Name,
			"MARIADB_USER=" + site.Database.User,
			"MARIADB_PASSWORD=" + site.Database.Password,
			"MARIADB_RANDOM_ROOT_PASSWORD=1",
		}
		app.Volumes = []string{"db_data:/var/lib/mysql"}
		app.Networks = []string{"default", opts.Network}
		m.Volumes = map[string]*Volume{"db_data": nil}
		return m, nil
	}

	app.Volumes = []string{"./" + domain.ContentDirName + ":" + domain.ContainerContentRoot}
	app.Networks = []string{"default", opts.Network}
	app.Environment = appEnvironment(site)

	var dependsOn []string
	if site.Database.Type == domain.DatabaseDedicated {
		m.Services[DatabaseService] = &Service{
			Image:         mariadbImage,
			ContainerName: DedicatedDBHost(site),
			Restart:       defaultRestart,
			Environment: StringList{
				"MARIADB_DATABASE=" + site.Database.Name,
				"MARIADB_USER=" + site.Database.User,
				"MARIADB_PASSWORD=" + site.Database.Password,
				"MARIADB_RANDOM_ROOT_PASSWORD=1",
			},
			Volumes:  []string{"db_data:/var/lib/mysql"},
			Networks: []string{"default"},
		}
		m.Volumes = map[string]*Volume{"db_data": nil}
		dependsOn = append(dependsOn, DatabaseService)
	}

	if site.Redis.Enabled {
		m.Services[RedisService] = &Service{
			Image:         redisImage,
			ContainerName: RedisHost(site),
			Restart:       defaultRestart,
			Networks:      []string{"default"},
		}
		dependsOn = append(dependsOn, RedisService)
	}

	if len(dependsOn) > 0 {
		app.DependsOn = dependsOn
	}

	if site.SFTP.Enabled {
		if site.SFTP.Port == nil {
			return nil, fmt.Errorf("site %s has SFTP enabled without an allocated port", site.Name)
		}
		user := site.SFTP.Username
		m.Services[SFTPService] = &Service{
			Image:         sftpImage,
			ContainerName: site.ContainerName + "_sftp",
			Restart:       defaultRestart,
			Command:       StringList{fmt.Sprintf("%s:%s:33:33:%s", user, site.SFTP.Password, domain.ContentDirName)},
			Ports:         []string{strconv.Itoa(*site.SFTP.Port) + ":22"},
			Volumes:       []string{fmt.Sprintf("./%s:/home/%s/%s", domain.ContentDirName, user, domain.ContentDirName)},
			Networks:      []string{"default"},
		}
	}

	return m, nil
}

func appEnvironment(site *domain.Site) StringList {
	db := site.Database
	var env StringList

	switch site.Type {
	case domain.SiteTypeWordPress:
		env = StringList{
			fmt.Sprintf("WORDPRESS_DB_HOST=%s:%d", db.Host, db.Port),
			"WORDPRESS_DB_NAME=" + db.Name,
			"WORDPRESS_DB_USER=" + db.User,
			"WORDPRESS_DB_PASSWORD=" + db.Password,
		}
	default:
		env = StringList{
			"DB_CONNECTION=mysql",
			"DB_HOST=" + db.Host,
			"DB_PORT=" + strconv.Itoa(db.Port),
			"DB_DATABASE=" + db.Name,
			"DB_USERNAME=" + db.User,
			"DB_PASSWORD=" + db.Password,
		}
		if site.Type == domain.SiteTypeLaravel {
			env = append(env, "APACHE_DOCUMENT_ROOT="+domain.ContainerContentRoot+"/public")
		}
	}

	if site.Redis.Enabled {
		env = append(env, "REDIS_HOST="+site.Redis.Host, "REDIS_PORT="+strconv.Itoa(site.Redis.Port))
	}

	scheme := "http"
	if site.SSL.Enabled {
		scheme = "https"
	}
	env = append(env, "APP_URL="+scheme+"://"+site.Domain)
	return env
}
