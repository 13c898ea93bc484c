package main

import (
	"fmt"
	"strconv"
	"strings"

	"supply-orders/internal/models"

	"github.com/shopspring/decimal"
)

// itemsFlag collects repeated -item productId:quantity:unitPrice values.
type itemsFlag []models.LineItem

func (f *itemsFlag) String() string {
	parts := make([]string, 0, len(*f))
	for _, item := range *f {
		parts = append(parts, fmt.Sprintf("%s:%d:%s", item.ProductID, item.Quantity, item.UnitPrice.String()))
	}
	return strings.Join(parts, ",")
}

func (f *itemsFlag) Set(value string) error {
	item, err := parseItem(value)
	if err != nil {
		return err
	}
	*f = append(*f, item)
	return nil
}

func parseItem(value string) (models.LineItem, error) {
	parts := strings.Split(value, ":")
	if len(parts) != 3 {
		return models.LineItem{}, fmt.Errorf("item %q: want productId:quantity:unitPrice", value)
	}

	qty, err := strconv.Atoi(parts[1])
	if err != nil {
		return models.LineItem{}, fmt.Errorf("item %q: bad quantity: %w", value, err)
	}
	price, err := decimal.NewFromString(parts[2])
	if err != nil {
		return models.LineItem{}, fmt.Errorf("item %q: bad unit price: %w", value, err)
	}
	return models.LineItem{ProductID: parts[0], Quantity: qty, UnitPrice: price}, nil
}
