package models

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order is one customer purchase attempt. It carries two independent state
// axes (kitchen lifecycle, payment) plus the settlement fields the withdrawal
// engine aggregates over.
type Order struct {
	ID            int         `gorm:"primary_key" json:"id"`
	BusinessId    string      `gorm:"index;not null" json:"business_id" binding:"required"`
	OrderNumber   string      `gorm:"size:64;uniqueIndex;not null" json:"order_number"`
	DiningTableId *int        `gorm:"index;default:null" json:"dining_table_id"`
	Status        OrderStatus `gorm:"size:32;index;not null;default:'pending'" json:"status"`

	// Payment axis. PaidAt is set exactly once, the first time the status
	// becomes paid.
	PaymentStatus         PaymentStatus   `gorm:"size:32;index;not null;default:'pending'" json:"payment_status"`
	TotalAmount           decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"total_amount"`
	AmountPaidWithCharges decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"amount_paid_with_charges"`
	ServiceCharge         decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"service_charge"`
	PaidAt                *time.Time      `json:"paid_at"`

	// Payment detail snapshot, written only by the webhook processor or a
	// manual staff override.
	PaymentMethod         string `gorm:"size:128;default:null" json:"payment_method"`
	ExternalTransactionId string `gorm:"size:255;index;default:null" json:"external_transaction_id"`
	PaymentNote           string `gorm:"type:text;default:null" json:"payment_note"`
	PaymentMeta           []byte `gorm:"type:json" json:"payment_meta"`

	// Settlement fields.
	Withdrawn               *bool `gorm:"not null;default:false;index" json:"withdrawn"`
	WithdrawalBatchId       *int  `gorm:"index;default:null" json:"withdrawal_batch_id"`
	IsEligibleForWithdrawal *bool `gorm:"not null;default:false;index" json:"is_eligible_for_withdrawal"`

	CustomerPhone string        `gorm:"size:64;default:null" json:"customer_phone"`
	Notes         string        `gorm:"type:text;default:null" json:"notes"`
	Details       []OrderDetail `json:"details"`
	CreatedAt     time.Time     `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time     `gorm:"autoUpdateTime" json:"updated_at"`
}

// OrderDetail is one line item, snapshotted at order time. Quantities and
// prices are never re-derived from the menu later.
type OrderDetail struct {
	ID         int             `gorm:"primary_key" json:"id"`
	OrderId    int             `gorm:"index;not null" json:"order_id"`
	MenuItemId int             `gorm:"index;not null" json:"menu_item_id" binding:"required"`
	Name       string          `gorm:"size:255;not null" json:"name"`
	Quantity   int             `gorm:"not null" json:"quantity" binding:"required"`
	UnitPrice  decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"unit_price"`
	Note       string          `gorm:"type:text;default:null" json:"note"`
	CreatedAt  time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

type NewOrder struct {
	BusinessId    string           `json:"business_id" binding:"required"`
	DiningTableId int              `json:"dining_table_id"`
	CustomerPhone string           `json:"customer_phone"`
	Notes         string           `json:"notes"`
	Details       []NewOrderDetail `json:"details" binding:"required,dive"`
}

type NewOrderDetail struct {
	MenuItemId int    `json:"menu_item_id" binding:"required"`
	Quantity   int    `json:"quantity" binding:"required,min=1"`
	Note       string `json:"note"`
}

// GenerateOrderNumber creates the immutable order identity:
// ORD-<unix-millis>-<6 random digits>.
func GenerateOrderNumber() string {
	return fmt.Sprintf("ORD-%d-%06d", time.Now().UnixMilli(), rand.Intn(1000000))
}

func isDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func (input NewOrder) validate(ctx context.Context) error {
	if len(input.Details) == 0 {
		return fmt.Errorf("%w: order needs at least one line item", utils.ErrorValidation)
	}
	for _, d := range input.Details {
		if d.Quantity < 1 {
			return fmt.Errorf("%w: quantity must be >= 1", utils.ErrorValidation)
		}
	}
	if err := utils.ValidateResourceId[Business](ctx, "", input.BusinessId); err != nil {
		return errors.New("business not found")
	}
	if input.DiningTableId > 0 {
		if err := utils.ValidateResourceId[DiningTable](ctx, input.BusinessId, input.DiningTableId); err != nil {
			return errors.New("table not found")
		}
	}
	ids := make([]int, 0, len(input.Details))
	for _, d := range input.Details {
		ids = append(ids, d.MenuItemId)
	}
	if err := utils.ValidateResourcesId[MenuItem](ctx, input.BusinessId, ids); err != nil {
		return errors.New("menu item not found")
	}
	if input.CustomerPhone != "" {
		if err := utils.ValidatePhoneNumber(input.CustomerPhone, utils.CountryCode); err != nil {
			return fmt.Errorf("%w: %s", utils.ErrorValidation, err.Error())
		}
	}
	return nil
}

// CreateOrder snapshots line items from the menu, totals them and writes the
// order together with its new_order outbox event in one transaction.
func CreateOrder(ctx context.Context, input *NewOrder) (*Order, error) {
	db := config.GetDB()

	if err := input.validate(ctx); err != nil {
		return nil, err
	}

	var menuItems []MenuItem
	itemIds := make([]int, 0, len(input.Details))
	for _, d := range input.Details {
		itemIds = append(itemIds, d.MenuItemId)
	}
	if err := db.WithContext(ctx).
		Where("business_id = ? AND id IN ?", input.BusinessId, itemIds).
		Find(&menuItems).Error; err != nil {
		return nil, err
	}
	itemById := make(map[int]MenuItem, len(menuItems))
	for _, mi := range menuItems {
		itemById[mi.ID] = mi
	}

	total := decimal.Zero
	details := make([]OrderDetail, 0, len(input.Details))
	for _, d := range input.Details {
		mi := itemById[d.MenuItemId]
		if mi.Price.IsNegative() {
			return nil, utils.ErrorNegativeAmount
		}
		details = append(details, OrderDetail{
			MenuItemId: d.MenuItemId,
			Name:       mi.Name,
			Quantity:   d.Quantity,
			UnitPrice:  mi.Price,
			Note:       d.Note,
		})
		total = total.Add(mi.Price.Mul(decimal.NewFromInt(int64(d.Quantity))))
	}
	if total.IsNegative() {
		return nil, utils.ErrorNegativeAmount
	}

	order := Order{
		BusinessId:              input.BusinessId,
		Status:                  OrderStatusPending,
		PaymentStatus:           PaymentStatusPending,
		TotalAmount:             total,
		CustomerPhone:           input.CustomerPhone,
		Notes:                   input.Notes,
		Withdrawn:               utils.NewFalse(),
		IsEligibleForWithdrawal: utils.NewFalse(),
		Details:                 details,
	}
	if input.DiningTableId > 0 {
		order.DiningTableId = &input.DiningTableId
	}

	// Retry on the (rare) order-number collision instead of bubbling a 1062.
	for attempt := 0; attempt < 3; attempt++ {
		order.OrderNumber = GenerateOrderNumber()
		err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&order).Error; err != nil {
				return err
			}
			return PublishOrderEvent(ctx, tx, order.BusinessId, OrderEventNew, &order)
		})
		if err == nil {
			return &order, nil
		}
		if !isDuplicateKeyErr(err) {
			return nil, err
		}
		order.ID = 0
		for i := range order.Details {
			order.Details[i].ID = 0
			order.Details[i].OrderId = 0
		}
	}
	return nil, errors.New("could not allocate a unique order number")
}

func GetOrderByNumber(ctx context.Context, businessId string, orderNumber string) (*Order, error) {
	db := config.GetDB()
	var order Order
	err := db.WithContext(ctx).
		Preload("Details").
		Where("business_id = ? AND order_number = ?", businessId, orderNumber).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	return &order, nil
}

// TransitionOrderStatus advances the kitchen lifecycle. The UPDATE is guarded
// on the current status so two concurrent transitions cannot interleave; the
// loser re-reads and gets ErrorInvalidTransition.
func TransitionOrderStatus(ctx context.Context, businessId string, orderNumber string, next OrderStatus) (*Order, error) {
	db := config.GetDB()

	order, err := GetOrderByNumber(ctx, businessId, orderNumber)
	if err != nil {
		return nil, err
	}
	if !order.Status.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", utils.ErrorInvalidTransition, order.Status, next)
	}

	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Order{}).
			Where("id = ? AND status = ?", order.ID, order.Status).
			Update("status", next)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: order %s changed concurrently", utils.ErrorInvalidTransition, orderNumber)
		}
		order.Status = next
		return PublishOrderEvent(ctx, tx, businessId, OrderEventUpdated, order)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// EligibleForWithdrawal is the settlement-eligibility predicate: the payment
// must be captured over mobile money with a positive service charge.
func EligibleForWithdrawal(paymentStatus PaymentStatus, paymentMethod string, serviceCharge decimal.Decimal) bool {
	return paymentStatus == PaymentStatusPaid &&
		IsMobileMoneyMethod(paymentMethod) &&
		serviceCharge.IsPositive()
}

// RecomputeEligibility refreshes the stored flag from the order's current
// payment fields and returns the new value.
func (o *Order) RecomputeEligibility() bool {
	eligible := EligibleForWithdrawal(o.PaymentStatus, o.PaymentMethod, o.ServiceCharge)
	if eligible {
		o.IsEligibleForWithdrawal = utils.NewTrue()
	} else {
		o.IsEligibleForWithdrawal = utils.NewFalse()
	}
	return eligible
}
