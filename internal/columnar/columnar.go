// Package columnar encodes pipeline tables as zstd-compressed Parquet files.
package columnar

import (
	"bytes"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/medallion/medallion/internal/model"
)

// Encode writes rows as a single Parquet file. Output depends only on rows,
// so identical input yields identical bytes.
func Encode[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[T](&buf, parquet.Compression(&parquet.Zstd))
	if len(rows) > 0 {
		if _, err := w.Write(rows); err != nil {
			return nil, fmt.Errorf("write rows: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode reads every row of a Parquet file produced by Encode.
func Decode[T any](data []byte) ([]T, error) {
	rows, err := parquet.Read[T](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return rows, nil
}

// CustomerRow is the Silver representation of a customer.
type CustomerRow struct {
	ID         int64  `parquet:"id_client"`
	Name       string `parquet:"nom,zstd"`
	Email      string `parquet:"email,zstd"`
	Registered int32  `parquet:"date_inscription,date"`
	Country    string `parquet:"pays,dict"`
}

// PurchaseRow is the Silver representation of a purchase.
type PurchaseRow struct {
	ID         int64   `parquet:"id_achat"`
	CustomerID int64   `parquet:"id_client"`
	Date       int32   `parquet:"date_achat,date"`
	Amount     float64 `parquet:"montant"`
	Product    string  `parquet:"produit,dict"`
}

// CustomerToRow converts a Customer to a CustomerRow.
func CustomerToRow(c *model.Customer) CustomerRow {
	return CustomerRow{
		ID:         c.ID,
		Name:       c.Name,
		Email:      c.Email,
		Registered: toEpochDays(c.Registered),
		Country:    c.Country,
	}
}

// RowToCustomer converts a CustomerRow to a Customer.
func RowToCustomer(r *CustomerRow) model.Customer {
	return model.Customer{
		ID:         r.ID,
		Name:       r.Name,
		Email:      r.Email,
		Registered: fromEpochDays(r.Registered),
		Country:    r.Country,
	}
}

// PurchaseToRow converts a Purchase to a PurchaseRow.
func PurchaseToRow(p *model.Purchase) PurchaseRow {
	return PurchaseRow{
		ID:         p.ID,
		CustomerID: p.CustomerID,
		Date:       toEpochDays(p.Date),
		Amount:     p.Amount,
		Product:    p.Product,
	}
}

// RowToPurchase converts a PurchaseRow to a Purchase.
func RowToPurchase(r *PurchaseRow) model.Purchase {
	return model.Purchase{
		ID:         r.ID,
		CustomerID: r.CustomerID,
		Date:       fromEpochDays(r.Date),
		Amount:     r.Amount,
		Product:    r.Product,
	}
}

// EncodeCustomers writes customers as Parquet.
func EncodeCustomers(customers []model.Customer) ([]byte, error) {
	rows := make([]CustomerRow, len(customers))
	for i := range customers {
		rows[i] = CustomerToRow(&customers[i])
	}
	return Encode(rows)
}

// DecodeCustomers reads customers written by EncodeCustomers.
func DecodeCustomers(data []byte) ([]model.Customer, error) {
	rows, err := Decode[CustomerRow](data)
	if err != nil {
		return nil, err
	}
	out := make([]model.Customer, len(rows))
	for i := range rows {
		out[i] = RowToCustomer(&rows[i])
	}
	return out, nil
}

// EncodePurchases writes purchases as Parquet.
func EncodePurchases(purchases []model.Purchase) ([]byte, error) {
	rows := make([]PurchaseRow, len(purchases))
	for i := range purchases {
		rows[i] = PurchaseToRow(&purchases[i])
	}
	return Encode(rows)
}

// DecodePurchases reads purchases written by EncodePurchases.
func DecodePurchases(data []byte) ([]model.Purchase, error) {
	rows, err := Decode[PurchaseRow](data)
	if err != nil {
		return nil, err
	}
	out := make([]model.Purchase, len(rows))
	for i := range rows {
		out[i] = RowToPurchase(&rows[i])
	}
	return out, nil
}

const day = 24 * time.Hour

func toEpochDays(t time.Time) int32 {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return int32(d.Unix() / int64(day/time.Second))
}

func fromEpochDays(d int32) time.Time {
	return time.Unix(int64(d)*int64(day/time.Second), 0).UTC()
}
