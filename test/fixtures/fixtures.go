package fixtures

import (
	"encoding/json"
	"fmt"

	"github.com/nimasrn/payment-gateway/internal/model"
)

const (
	MTNPhone    = "650000001"
	OrangePhone = "690000001"

	MerchantCallback = "http://merchant.test/hooks/payments"
)

func NewMTNPaymentRequest(orderID string, amount int64) model.PaymentRequest {
	return model.PaymentRequest{
		IdempotencyKey: "idem-" + orderID,
		OrderID:        orderID,
		CustomerID:     "cust-mtn",
		MerchantID:     "shop-1",
		Amount:         amount,
		Provider:       model.ProviderMTN,
		Method:         model.MethodMobileMoney,
		PhoneNumber:    MTNPhone,
		Description:    "Order " + orderID,
		CallbackURL:    MerchantCallback,
	}
}

func NewCashPaymentRequest(orderID string, amount int64, method model.Method) model.PaymentRequest {
	return model.PaymentRequest{
		IdempotencyKey: "idem-" + orderID,
		OrderID:        orderID,
		CustomerID:     "cust-cash",
		MerchantID:     "shop-1",
		Amount:         amount,
		Provider:       model.ProviderCash,
		Method:         method,
		Description:    "Order " + orderID,
		CallbackURL:    MerchantCallback,
	}
}

// MTNCallback is a collection callback as MTN posts it to the callback URL.
func MTNCallback(referenceID string, amount int64, status string) []byte {
	body, _ := json.Marshal(map[string]any{
		"referenceId":            referenceID,
		"financialTransactionId": fmt.Sprintf("fin-%s", referenceID[:8]),
		"externalId":             referenceID,
		"amount":                 fmt.Sprintf("%d", amount),
		"currency":               model.CurrencyXAF,
		"payer":                  map[string]string{"partyIdType": "MSISDN", "partyId": "237" + MTNPhone},
		"status":                 status,
	})
	return body
}
