package domain

import "fmt"

// Детерминированные ключи идемпотентности для внутренних мутаций.

// ReserveKey: резерв позиции при создании заказа.
func ReserveKey(orderID, skuID int64) string {
	return fmt.Sprintf("order:%d:sku:%d:reserve", orderID, skuID)
}

// ReleaseKey: снятие резерва при отмене заказа.
func ReleaseKey(orderID, skuID int64) string {
	return fmt.Sprintf("order:%d:sku:%d:release", orderID, skuID)
}

// DeductKey: списание позиции после захвата платежа.
func DeductKey(paymentID, orderItemID int64) string {
	return fmt.Sprintf("payment:%d:item:%d:deduct", paymentID, orderItemID)
}

// RestockKey: возврат позиции на склад.
func RestockKey(refundID, orderItemID int64) string {
	return fmt.Sprintf("refund:%d:item:%d:restock", refundID, orderItemID)
}

// GatewayRefundKey: ключ идемпотентности возврата у провайдера.
func GatewayRefundKey(refundID int64) string {
	return fmt.Sprintf("refund:%d", refundID)
}

// CaptureEntryKey: запись финансового леджера при захвате платежа.
func CaptureEntryKey(paymentID, orderItemID int64, typ FinancialEntryType) string {
	return fmt.Sprintf("payment:%d:item:%d:%s", paymentID, orderItemID, typ)
}

// RefundEntryKey: запись финансового леджера при возврате.
func RefundEntryKey(refundID, orderItemID int64) string {
	return fmt.Sprintf("refund:%d:item:%d:%s", refundID, orderItemID, EntryRefund)
}
