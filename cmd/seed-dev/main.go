package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"bitbucket.org/mmdatafocus/orders_backend/workflow"
	"github.com/shopspring/decimal"
)

// Seeds one tenant with a staff user, tables, a small menu and a couple of
// open orders. Prints a JWT for the seeded user so the API can be exercised
// immediately.
func main() {
	businessName := flag.String("business-name", "Dev Kitchen", "Tenant name to create")
	userName := flag.String("user", "dev-manager", "Staff user name")
	password := flag.String("password", "dev-password", "Staff user password")
	secret := flag.String("withdrawal-secret", "", "Optional: provision the withdrawal secret (requires Redis)")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}
	models.MigrateTable()

	ctx := context.Background()

	business, err := models.CreateBusiness(ctx, strings.TrimSpace(*businessName))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create business: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("business: %s (%s)\n", business.Name, business.ID)

	hashed, err := utils.HashSecret(*password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	user := models.User{
		BusinessId: business.ID,
		UserName:   *userName,
		Password:   string(hashed),
		Role:       "manager",
		IsActive:   utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&user).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to create user: %v\n", err)
		os.Exit(1)
	}

	for i := 1; i <= 4; i++ {
		table := models.DiningTable{
			BusinessId: business.ID,
			Number:     fmt.Sprintf("T%d", i),
			Seats:      4,
		}
		if err := db.WithContext(ctx).Create(&table).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create table %d: %v\n", i, err)
			os.Exit(1)
		}
	}

	menu := []models.MenuItem{
		{BusinessId: business.ID, Name: "Mohinga", Category: "Noodles", Price: decimal.NewFromInt(1500), IsAvailable: utils.NewTrue()},
		{BusinessId: business.ID, Name: "Shan Noodles", Category: "Noodles", Price: decimal.NewFromInt(2000), IsAvailable: utils.NewTrue()},
		{BusinessId: business.ID, Name: "Tea Leaf Salad", Category: "Salads", Price: decimal.NewFromInt(1800), IsAvailable: utils.NewTrue()},
		{BusinessId: business.ID, Name: "Milk Tea", Category: "Drinks", Price: decimal.NewFromInt(800), IsAvailable: utils.NewTrue()},
	}
	for i := range menu {
		if err := db.WithContext(ctx).Create(&menu[i]).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create menu item %q: %v\n", menu[i].Name, err)
			os.Exit(1)
		}
	}

	seedCtx := utils.SetBusinessIdInContext(ctx, business.ID)
	seedCtx = utils.SetUserIdInContext(seedCtx, user.ID)
	seedCtx = utils.SetUserNameInContext(seedCtx, "SeedDev")

	for i := 0; i < 2; i++ {
		order, err := models.CreateOrder(seedCtx, &models.NewOrder{
			BusinessId:    business.ID,
			DiningTableId: 0,
			Details: []models.NewOrderDetail{
				{MenuItemId: menu[0].ID, Quantity: 1},
				{MenuItemId: menu[3].ID, Quantity: 2},
			},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create order: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("order: %s total=%s\n", order.OrderNumber, order.TotalAmount.String())
	}

	if strings.TrimSpace(*secret) != "" {
		config.ConnectRedisWithRetry()
		if err := workflow.RotateWithdrawalSecret(seedCtx, business.ID, strings.TrimSpace(*secret), user.ID, user.UserName, "seed"); err != nil {
			fmt.Fprintf(os.Stderr, "failed to provision withdrawal secret: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("withdrawal secret provisioned")
	}

	token, err := utils.JwtGenerate(user.ID, user.UserName, business.ID, user.Role)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("token: %s\n", token)
}
