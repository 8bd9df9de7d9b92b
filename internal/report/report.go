// Package report builds admin summaries and spreadsheet exports of bookings.
package report

import (
	"fmt"
	"io"
	"time"

	"github.com/xuri/excelize/v2"

	"therapia/backend/internal/domain"
)

const (
	bookingsSheet = "Bookings"
	summarySheet  = "Summary"
)

var bookingColumns = []string{
	"Booking ID", "Session start (UTC)", "Duration (min)", "Therapist", "Client", "Client email",
	"Status", "Payment", "Amount", "Rated",
}

type Summary struct {
	Total        int
	ByStatus     map[domain.BookingStatus]int
	Completed    int
	RevenueCents int64
}

// Summarize counts bookings per status. Revenue covers paid bookings that were not cancelled.
func Summarize(bookings []domain.Booking) Summary {
	out := Summary{ByStatus: make(map[domain.BookingStatus]int)}
	for _, b := range bookings {
		out.Total++
		out.ByStatus[b.Status]++
		if b.Status == domain.BookingStatusCompleted {
			out.Completed++
		}
		if b.PaymentStatus == domain.PaymentStatusPaid && b.Status != domain.BookingStatusCancelled {
			out.RevenueCents += b.AmountCents
		}
	}
	return out
}

// WriteBookingsXLSX writes one row per booking followed by a summary sheet.
func WriteBookingsXLSX(w io.Writer, bookings []domain.Booking) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", bookingsSheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := writeRow(f, bookingsSheet, 1, toCells(bookingColumns)); err != nil {
		return err
	}
	if err := styleRow(f, bookingsSheet, 1, len(bookingColumns), bold); err != nil {
		return err
	}
	for i, b := range bookings {
		row := []any{
			b.ID.String(),
			b.SessionTime.UTC().Format(time.RFC3339),
			int(b.Duration() / time.Minute),
			firstNonEmpty(b.TherapistName, b.TherapistID),
			firstNonEmpty(b.ClientName, b.ClientID),
			b.ClientEmail,
			string(b.Status),
			string(b.PaymentStatus),
			formatCents(b.AmountCents),
			b.RatingSubmitted,
		}
		if err := writeRow(f, bookingsSheet, i+2, row); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return fmt.Errorf("create sheet %s: %w", summarySheet, err)
	}
	s := Summarize(bookings)
	rows := [][]any{
		{"Metric", "Value"},
		{"Total bookings", s.Total},
		{"Pending", s.ByStatus[domain.BookingStatusPending]},
		{"Confirmed", s.ByStatus[domain.BookingStatusConfirmed]},
		{"Completed", s.ByStatus[domain.BookingStatusCompleted]},
		{"Cancelled", s.ByStatus[domain.BookingStatusCancelled]},
		{"Revenue", formatCents(s.RevenueCents)},
	}
	for i, row := range rows {
		if err := writeRow(f, summarySheet, i+1, row); err != nil {
			return err
		}
	}
	if err := styleRow(f, summarySheet, 1, 2, bold); err != nil {
		return err
	}

	return f.Write(w)
}

func writeRow(f *excelize.File, sheet string, rowNum int, values []any) error {
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, rowNum)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("set %s!%s: %w", sheet, cell, err)
		}
	}
	return nil
}

func styleRow(f *excelize.File, sheet string, rowNum, cols, style int) error {
	start, err := excelize.CoordinatesToCellName(1, rowNum)
	if err != nil {
		return err
	}
	end, err := excelize.CoordinatesToCellName(cols, rowNum)
	if err != nil {
		return err
	}
	return f.SetCellStyle(sheet, start, end, style)
}

func toCells(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func formatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}
