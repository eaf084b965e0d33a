package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fentz26/devcast/internal/models"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Show and manage credits",
	RunE:  runCreditsBalance,
}

var creditsBuyCmd = &cobra.Command{
	Use:   "buy [amount]",
	Short: "Add purchased credits",
	Long: `Adds purchased credits to the account. --ref is the payment reference;
a reference that was already applied is not credited twice.`,
	Args: cobra.ExactArgs(1),
	RunE: runCreditsBuy,
}

var creditsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List credit transactions, newest first",
	RunE:  runCreditsHistory,
}

var creditsAuditCmd = &cobra.Command{
	Use:   "audit",
	Short: "List gate and executor decisions",
	RunE:  runCreditsAudit,
}

var (
	purchaseRef  string
	historyLimit int
	auditAction  string
)

func init() {
	creditsCmd.AddCommand(creditsBuyCmd, creditsHistoryCmd, creditsAuditCmd)
	creditsBuyCmd.Flags().StringVar(&purchaseRef, "ref", "", "Payment reference (generated when empty)")
	creditsHistoryCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum transactions to show")
	creditsAuditCmd.Flags().IntVar(&historyLimit, "limit", 20, "Maximum records to show")
	creditsAuditCmd.Flags().StringVar(&auditAction, "action", "", "Filter by action (e.g. credits.charge, action.post)")
}

type balanceResponse struct {
	UserID         string `json:"user_id"`
	Balance        int64  `json:"balance"`
	TotalSpent     int64  `json:"total_spent"`
	TotalPurchased int64  `json:"total_purchased"`
}

func printBalance(resp []byte) error {
	var b balanceResponse
	if err := json.Unmarshal(resp, &b); err != nil {
		return err
	}
	fmt.Printf("Balance:   %d credits\n", b.Balance)
	fmt.Printf("Spent:     %d\n", b.TotalSpent)
	fmt.Printf("Purchased: %d\n", b.TotalPurchased)
	return nil
}

func runCreditsBalance(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/credits")
	if err != nil {
		return err
	}
	return printBalance(resp)
}

func runCreditsBuy(cmd *cobra.Command, args []string) error {
	amount, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || amount <= 0 {
		return fmt.Errorf("amount must be a positive whole number")
	}
	ref := purchaseRef
	if ref == "" {
		ref = "cli-" + uuid.New().String()
	}

	resp, err := apiPost("/credits/purchase", map[string]interface{}{
		"amount":     amount,
		"source_ref": ref,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Purchase %s applied\n", ref)
	return printBalance(resp)
}

func runCreditsHistory(cmd *cobra.Command, args []string) error {
	resp, err := apiGet(fmt.Sprintf("/credits/transactions?limit=%d", historyLimit))
	if err != nil {
		return err
	}
	var txs []models.CreditTransaction
	if err := json.Unmarshal(resp, &txs); err != nil {
		return err
	}
	if len(txs) == 0 {
		fmt.Println("No transactions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tTYPE\tAMOUNT\tDESCRIPTION")
	for _, t := range txs {
		fmt.Fprintf(w, "%s\t%s\t%+d\t%s\n", t.Timestamp.Local().Format("Jan 2 15:04"), t.Type, t.Amount, truncate(t.Description, 50))
	}
	w.Flush()
	return nil
}

func runCreditsAudit(cmd *cobra.Command, args []string) error {
	path := fmt.Sprintf("/audit?limit=%d", historyLimit)
	if auditAction != "" {
		path += "&action=" + auditAction
	}
	resp, err := apiGet(path)
	if err != nil {
		return err
	}
	var records []models.AuditRecord
	if err := json.Unmarshal(resp, &records); err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No audit records")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "WHEN\tACTION\tOUTCOME\tSUBJECT\tDETAILS")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Timestamp.Local().Format("Jan 2 15:04:05"), r.Action, r.Outcome, r.Subject, truncate(r.Details, 40))
	}
	w.Flush()
	return nil
}
