package events

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterCustomTypeFunc(func(field reflect.Value) interface{} {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// OrderLine is a confirmed sales order line.
type OrderLine struct {
	ProductID       int64           `json:"product_id" validate:"gt=0"`
	Description     string          `json:"description"`
	Quantity        decimal.Decimal `json:"quantity" validate:"gt=0"`
	UnitPrice       decimal.Decimal `json:"unit_price" validate:"gte=0"`
	DiscountPercent decimal.Decimal `json:"discount_percent" validate:"gte=0,lte=100"`
	TaxPercent      decimal.Decimal `json:"tax_percent" validate:"gte=0,lte=100"`
}

// Order is the sales order aggregate at confirmation time.
type Order struct {
	ID              string      `json:"id" validate:"required"`
	Number          string      `json:"number" validate:"required,max=64"`
	CustomerID      int64       `json:"customer_id" validate:"gt=0"`
	CustomerName    string      `json:"customer_name"`
	OrderDate       time.Time   `json:"order_date" validate:"required"`
	Currency        string      `json:"currency" validate:"omitempty,len=3"`
	PaymentTermDays int         `json:"payment_term_days" validate:"gte=0,lte=365"`
	Lines           []OrderLine `json:"lines" validate:"required,min=1,dive"`
}

// OrderConfirmed is emitted by sales when an order is confirmed.
type OrderConfirmed struct {
	Order Order `json:"order"`
}

// EventType implements Event.
func (OrderConfirmed) EventType() string { return TypeOrderConfirmed }

// Payroll carries the computed amounts of one processed payroll run.
type Payroll struct {
	ID                     string          `json:"id" validate:"required"`
	Number                 string          `json:"number"`
	EmployeeID             int64           `json:"employee_id" validate:"gte=0"`
	PeriodStart            time.Time       `json:"period_start"`
	PeriodEnd              time.Time       `json:"period_end"`
	PayDate                time.Time       `json:"pay_date" validate:"required"`
	Currency               string          `json:"currency" validate:"omitempty,len=3"`
	GrossSalary            decimal.Decimal `json:"gross_salary" validate:"gte=0"`
	EmployeeTaxAmount      decimal.Decimal `json:"employee_tax_amount" validate:"gte=0"`
	OtherDeductions        decimal.Decimal `json:"other_deductions" validate:"gte=0"`
	NetSalary              decimal.Decimal `json:"net_salary" validate:"gte=0"`
	EmployerTaxAmount      decimal.Decimal `json:"employer_tax_amount" validate:"gte=0"`
	EmployerBenefitsAmount decimal.Decimal `json:"employer_benefits_amount" validate:"gte=0"`
}

// PayrollProcessed is emitted by HR once a payroll run is final.
type PayrollProcessed struct {
	Payroll Payroll `json:"payroll"`
}

// EventType implements Event.
func (PayrollProcessed) EventType() string { return TypePayrollProcessed }

// MovementType classifies a stock movement.
type MovementType string

const (
	MovementReceipt    MovementType = "RECEIPT"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementTransfer   MovementType = "TRANSFER"
)

// StockMovement is a single inventory quantity change. Quantity is signed:
// positive for an increase, negative for a decrease.
type StockMovement struct {
	ID          string          `json:"id" validate:"required"`
	Reference   string          `json:"reference"`
	ProductID   int64           `json:"product_id" validate:"gt=0"`
	WarehouseID int64           `json:"warehouse_id"`
	Type        MovementType    `json:"type" validate:"required"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitCost    decimal.Decimal `json:"unit_cost" validate:"gte=0"`
	Currency    string          `json:"currency" validate:"omitempty,len=3"`
	MovedAt     time.Time       `json:"moved_at" validate:"required"`
}

// StockMovementRecorded is emitted by inventory for every movement.
type StockMovementRecorded struct {
	Movement StockMovement `json:"movement"`
}

// EventType implements Event.
func (StockMovementRecorded) EventType() string { return TypeStockMovementRecorded }

// Decode parses and validates a payload of the named event type.
func Decode(eventType string, payload []byte) (Event, error) {
	switch eventType {
	case TypeOrderConfirmed:
		return decodeAs[OrderConfirmed](payload)
	case TypePayrollProcessed:
		return decodeAs[PayrollProcessed](payload)
	case TypeStockMovementRecorded:
		return decodeAs[StockMovementRecorded](payload)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, eventType)
}

func decodeAs[E Event](payload []byte) (Event, error) {
	var evt E
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedEvent, evt.EventType(), err)
	}
	if err := validate.Struct(evt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, evt.EventType(), err)
	}
	return evt, nil
}
