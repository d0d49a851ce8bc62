package version

import "fmt"

// ServiceName: имя сервиса в логах, метриках и gRPC health.
const ServiceName = "commerce-service"

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/commerce/internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, коммит и дату сборки.
func Info() (v, c, d string) { return version, commit, date }

func GetVersion() string { return version }

func GetCommit() string { return commit }

func GetDate() string { return date }

func String() string {
	return fmt.Sprintf("%s version=%s commit=%s date=%s", ServiceName, version, commit, date)
}
