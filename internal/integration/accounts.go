package integration

import "github.com/odyssey-erp/odyssey-ledger/internal/accounting"

// System accounts the integrators provision on first use.
var (
	InventoryAsset             = accounting.AccountSpec{Code: "1400", Name: "Inventory Asset", Class: accounting.AccountClassAsset, Subtype: "inventory"}
	AccountsPayable            = accounting.AccountSpec{Code: "2000", Name: "Accounts Payable", Class: accounting.AccountClassLiability, Subtype: "payable"}
	SalariesPayable            = accounting.AccountSpec{Code: "2100", Name: "Salaries Payable", Class: accounting.AccountClassLiability, Subtype: "payroll"}
	EmployeeTaxPayable         = accounting.AccountSpec{Code: "2110", Name: "Employee Tax Payable", Class: accounting.AccountClassLiability, Subtype: "tax"}
	OtherDeductionsPayable     = accounting.AccountSpec{Code: "2120", Name: "Other Deductions Payable", Class: accounting.AccountClassLiability, Subtype: "payroll"}
	EmployerTaxPayable         = accounting.AccountSpec{Code: "2130", Name: "Employer Tax Payable", Class: accounting.AccountClassLiability, Subtype: "tax"}
	EmployerBenefitsPayable    = accounting.AccountSpec{Code: "2140", Name: "Employer Benefits Payable", Class: accounting.AccountClassLiability, Subtype: "payroll"}
	InventoryAdjustmentExpense = accounting.AccountSpec{Code: "5100", Name: "Inventory Adjustment Expense", Class: accounting.AccountClassExpense, Subtype: "inventory"}
	SalaryExpense              = accounting.AccountSpec{Code: "6000", Name: "Salary Expense", Class: accounting.AccountClassExpense, Subtype: "payroll"}
	EmployerTaxExpense         = accounting.AccountSpec{Code: "6010", Name: "Employer Tax Expense", Class: accounting.AccountClassExpense, Subtype: "payroll"}
	EmployerBenefitsExpense    = accounting.AccountSpec{Code: "6020", Name: "Employer Benefits Expense", Class: accounting.AccountClassExpense, Subtype: "payroll"}
)

// SystemAccounts lists every account the integrators may provision.
func SystemAccounts() []accounting.AccountSpec {
	return []accounting.AccountSpec{
		InventoryAsset,
		AccountsPayable,
		SalariesPayable,
		EmployeeTaxPayable,
		OtherDeductionsPayable,
		EmployerTaxPayable,
		EmployerBenefitsPayable,
		InventoryAdjustmentExpense,
		SalaryExpense,
		EmployerTaxExpense,
		EmployerBenefitsExpense,
	}
}
