package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"bitbucket.org/mmdatafocus/orders_backend/workflow"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

func TestOrderPaymentAndSettlementFlow(t *testing.T) {
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
	t.Setenv("DB_NAME", "orders_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")

	biz, err := models.CreateBusiness(ctx, "Settlement Kitchen")
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	ctx = utils.SetBusinessIdInContext(ctx, biz.ID)

	db := config.GetDB()
	item := models.MenuItem{
		BusinessId:  biz.ID,
		Name:        "Mohinga",
		Price:       decimal.NewFromInt(1000),
		IsAvailable: utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		t.Fatalf("create menu item: %v", err)
	}

	momoOrder, err := models.CreateOrder(ctx, &models.NewOrder{
		BusinessId: biz.ID,
		Details:    []models.NewOrderDetail{{MenuItemId: item.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	cashOrder, err := models.CreateOrder(ctx, &models.NewOrder{
		BusinessId: biz.ID,
		Details:    []models.NewOrderDetail{{MenuItemId: item.ID, Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// Momo capture with charges; delivered twice to prove convergence.
	app := models.PaymentApplication{
		Outcome:               models.ProviderOutcomeSuccess,
		ProviderStatus:        "success",
		CapturedAmount:        decimal.NewFromInt(1050),
		Method:                "MTN MoMo",
		ExternalTransactionId: "tx-settle-1",
		Timestamp:             time.Now().UTC(),
	}
	paid, changed, err := models.ApplyPaymentEvent(ctx, biz.ID, momoOrder.OrderNumber, app)
	if err != nil || !changed {
		t.Fatalf("first apply: changed=%v err=%v", changed, err)
	}
	if _, changed, err = models.ApplyPaymentEvent(ctx, biz.ID, momoOrder.OrderNumber, app); err != nil {
		t.Fatalf("second apply: %v", err)
	} else if changed {
		t.Fatal("duplicate delivery must be a no-op")
	}
	if !paid.ServiceCharge.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("service charge = %s, want 50", paid.ServiceCharge)
	}

	// Cash payment with no charges stays out of the withdrawal set.
	if _, err := models.ApplyManualPayment(ctx, biz.ID, cashOrder.OrderNumber, decimal.NewFromInt(1000), "cash", ""); err != nil {
		t.Fatalf("manual payment: %v", err)
	}

	eligible, err := workflow.ListEligibleOrders(ctx, biz.ID, time.Now().UTC(), "momo")
	if err != nil {
		t.Fatalf("ListEligibleOrders: %v", err)
	}
	if len(eligible) != 1 || eligible[0].OrderNumber != momoOrder.OrderNumber {
		t.Fatalf("eligible = %+v, want just the momo order", eligible)
	}

	if err := workflow.RotateWithdrawalSecret(ctx, biz.ID, "4321", 1, "Test", "initial"); err != nil {
		t.Fatalf("RotateWithdrawalSecret: %v", err)
	}

	// Wrong secret is refused and never settles anything.
	_, err = workflow.AuthorizeAndSettle(ctx, biz.ID, workflow.SettleWithdrawalInput{
		Date:          time.Now().UTC(),
		MethodPattern: "momo",
		Secret:        "0000",
		AuthorizerId:  1,
		Authorizer:    "Test",
	})
	if !errors.Is(err, utils.ErrorSecretDenied) {
		t.Fatalf("wrong secret: err = %v, want ErrorSecretDenied", err)
	}

	batch, err := workflow.AuthorizeAndSettle(ctx, biz.ID, workflow.SettleWithdrawalInput{
		Date:          time.Now().UTC(),
		MethodPattern: "momo",
		Secret:        "4321",
		AuthorizerId:  1,
		Authorizer:    "Test",
	})
	if err != nil {
		t.Fatalf("AuthorizeAndSettle: %v", err)
	}
	if batch.OrderCount != 1 {
		t.Fatalf("order count = %d, want 1", batch.OrderCount)
	}
	if !batch.WithdrawalAmount.Equal(decimal.NewFromInt(1050)) ||
		!batch.CustomerCharges.Equal(decimal.NewFromInt(50)) ||
		!batch.WithdrawalFee.Equal(decimal.NewFromInt(21)) ||
		!batch.NetProfit.Equal(decimal.NewFromInt(29)) {
		t.Fatalf("batch totals = %+v", batch)
	}
	if batch.Status != models.WithdrawalStatusCompleted {
		t.Fatalf("batch status = %s", batch.Status)
	}

	var settled models.Order
	if err := db.WithContext(ctx).Where("order_number = ?", momoOrder.OrderNumber).First(&settled).Error; err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if settled.Withdrawn == nil || !*settled.Withdrawn {
		t.Fatal("settled order not marked withdrawn")
	}
	if settled.WithdrawalBatchId == nil || *settled.WithdrawalBatchId != batch.ID {
		t.Fatalf("order batch id = %v, want %d", settled.WithdrawalBatchId, batch.ID)
	}

	// A second settlement of the same day finds nothing left.
	_, err = workflow.AuthorizeAndSettle(ctx, biz.ID, workflow.SettleWithdrawalInput{
		Date:          time.Now().UTC(),
		MethodPattern: "momo",
		Secret:        "4321",
		AuthorizerId:  1,
		Authorizer:    "Test",
	})
	if !errors.Is(err, utils.ErrorEmptySelection) {
		t.Fatalf("resettle: err = %v, want ErrorEmptySelection", err)
	}
}

// TestSettlementLosesRaceToConcurrentClaim interleaves a settlement with a
// competing claim on one of its selected orders. The settlement's snapshot
// read sees both orders as available, but its conditional flip on the first
// order blocks on a row lock held by the competing transaction; once that
// transaction commits withdrawn=true, the flip matches zero rows and the
// whole settlement rolls back. No partial batch may survive and no order may
// end up referenced by two batches.
func TestSettlementLosesRaceToConcurrentClaim(t *testing.T) {
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
	t.Setenv("DB_NAME", "orders_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUserIdInContext(ctx, 1)
	ctx = utils.SetUserNameInContext(ctx, "Test")

	biz, err := models.CreateBusiness(ctx, "Race Kitchen")
	if err != nil {
		t.Fatalf("CreateBusiness: %v", err)
	}
	ctx = utils.SetBusinessIdInContext(ctx, biz.ID)

	db := config.GetDB()
	item := models.MenuItem{
		BusinessId:  biz.ID,
		Name:        "Shan Noodles",
		Price:       decimal.NewFromInt(2000),
		IsAvailable: utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&item).Error; err != nil {
		t.Fatalf("create menu item: %v", err)
	}

	makePaidOrder := func(txId string) *models.Order {
		o, err := models.CreateOrder(ctx, &models.NewOrder{
			BusinessId: biz.ID,
			Details:    []models.NewOrderDetail{{MenuItemId: item.ID, Quantity: 1}},
		})
		if err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
		paid, changed, err := models.ApplyPaymentEvent(ctx, biz.ID, o.OrderNumber, models.PaymentApplication{
			Outcome:               models.ProviderOutcomeSuccess,
			ProviderStatus:        "success",
			CapturedAmount:        decimal.NewFromInt(2100),
			Method:                "MTN MoMo",
			ExternalTransactionId: txId,
			Timestamp:             time.Now().UTC(),
		})
		if err != nil || !changed {
			t.Fatalf("apply payment: changed=%v err=%v", changed, err)
		}
		return paid
	}
	first := makePaidOrder("tx-race-1")
	second := makePaidOrder("tx-race-2")

	if err := workflow.RotateWithdrawalSecret(ctx, biz.ID, "4321", 1, "Test", "initial"); err != nil {
		t.Fatalf("RotateWithdrawalSecret: %v", err)
	}

	// Competing transaction pins the first order's row so the settlement's
	// conditional flip has to wait on it.
	claim := db.WithContext(ctx).Begin()
	if claim.Error != nil {
		t.Fatalf("begin claim tx: %v", claim.Error)
	}
	var pinned models.Order
	if err := claim.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", first.ID).First(&pinned).Error; err != nil {
		t.Fatalf("lock first order: %v", err)
	}

	settleErr := make(chan error, 1)
	go func() {
		_, err := workflow.AuthorizeAndSettle(ctx, biz.ID, workflow.SettleWithdrawalInput{
			Date:          time.Now().UTC(),
			MethodPattern: "momo",
			Secret:        "4321",
			AuthorizerId:  1,
			Authorizer:    "Test",
		})
		settleErr <- err
	}()

	// Give the settlement time to snapshot both orders and block on the
	// pinned row, then hand the row to the competing claim.
	time.Sleep(3 * time.Second)
	if err := claim.Model(&models.Order{}).Where("id = ?", first.ID).
		Update("withdrawn", true).Error; err != nil {
		t.Fatalf("claim update: %v", err)
	}
	if err := claim.Commit().Error; err != nil {
		t.Fatalf("claim commit: %v", err)
	}

	select {
	case err := <-settleErr:
		if !errors.Is(err, utils.ErrorAlreadyWithdrawn) {
			t.Fatalf("settle: err = %v, want ErrorAlreadyWithdrawn", err)
		}
	case <-time.After(60 * time.Second):
		t.Fatal("settlement did not return")
	}

	// All or nothing: the losing settlement leaves no batch behind.
	var batchCount int64
	if err := db.WithContext(ctx).Model(&models.WithdrawalBatch{}).Count(&batchCount).Error; err != nil {
		t.Fatalf("count batches: %v", err)
	}
	if batchCount != 0 {
		t.Fatalf("batch count = %d, want 0", batchCount)
	}

	var one, two models.Order
	if err := db.WithContext(ctx).First(&one, first.ID).Error; err != nil {
		t.Fatalf("reload first: %v", err)
	}
	if err := db.WithContext(ctx).First(&two, second.ID).Error; err != nil {
		t.Fatalf("reload second: %v", err)
	}
	if one.WithdrawalBatchId != nil {
		t.Fatalf("claimed order batch id = %v, want nil", one.WithdrawalBatchId)
	}
	if two.Withdrawn != nil && *two.Withdrawn {
		t.Fatal("second order marked withdrawn by a rolled-back settlement")
	}
	if two.WithdrawalBatchId != nil {
		t.Fatalf("second order batch id = %v, want nil", two.WithdrawalBatchId)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("orders-test-redis-%d", time.Now().UnixNano())
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
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("orders-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=orders_test",
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
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
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
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
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
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
