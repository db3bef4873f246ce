package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmdatafocus/vault_backend/config"
	"github.com/mmdatafocus/vault_backend/models"
	"github.com/mmdatafocus/vault_backend/workflow"
	"github.com/sirupsen/logrus"
)

// Runs the promotion path against MySQL, where concurrent confirms really interleave
// and the unique ghost_entry_id index is the last line of defence.
func TestMySQL_ConcurrentConfirmAndCallbackLock(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}
	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })
	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "vault_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry(ctx)
	db := config.GetDB()
	if err := models.MigrateTable(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := workflow.NewEngine(db, logger, config.DefaultSettings())

	entity := models.Entity{Name: "Integration", Type: models.EntityTypeTrust}
	if err := db.Create(&entity).Error; err != nil {
		t.Fatalf("create entity: %v", err)
	}
	a := models.Asset{EntityId: entity.ID, Name: "Checking", Type: models.AssetTypeBank, Currency: "USD"}
	b := models.Asset{EntityId: entity.ID, Name: "Savings", Type: models.AssetTypeBank, Currency: "USD"}
	if err := db.Create(&a).Error; err != nil {
		t.Fatalf("create asset: %v", err)
	}
	if err := db.Create(&b).Error; err != nil {
		t.Fatalf("create asset: %v", err)
	}

	item, err := engine.Ingestion.Receive(ctx, models.NewAirlockItem{FilePath: "it.pdf"})
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if _, err := engine.Ingestion.MarkProcessing(ctx, item.ID); err != nil {
		t.Fatalf("MarkProcessing: %v", err)
	}
	res := models.ExtractionResult{DocumentId: item.ID, CandidateLines: pair(b.ID, a.ID, "1234.5678"), Confidence: 0.6}
	if err := engine.Ingestion.HandleExtractionCallback(ctx, "it-msg-1", res); err != nil {
		t.Fatalf("HandleExtractionCallback: %v", err)
	}
	matched, err := engine.Ingestion.GetItem(ctx, item.ID)
	if err != nil || matched.GhostEntryId == nil {
		t.Fatalf("item not matched: %+v %v", matched, err)
	}

	const callers = 10
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := engine.Reconciler.Confirm(ctx, *matched.GhostEntryId, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, models.ErrAlreadyResolved):
		default:
			t.Fatalf("unexpected confirm error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("successful confirms = %d", ok)
	}
	bal, err := engine.Ledger.GetBalance(ctx, b.ID, nil)
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	if !bal.Balance.Equal(d("1234.5678")) {
		t.Fatalf("balance = %s", bal.Balance)
	}
	reports, err := engine.Consistency.CheckConsistency(ctx)
	if err != nil || len(reports) != 0 {
		t.Fatalf("CheckConsistency = %+v, %v", reports, err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("vault-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "redis-cli", "ping"); err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("vault-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=vault_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent"); err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	m := regexp.MustCompile(`:(\d+)`).FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	b, err := exec.Command("docker", args...).CombinedOutput()
	return string(b), err
}
