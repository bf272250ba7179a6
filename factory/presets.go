package factory

// =============================================================================
// COMMON LEAVE TYPES
// =============================================================================

func yes() *bool { b := true; return &b }
func no() *bool  { b := false; return &b }

// AnnualLeave is a balance-tracked type with a capped carry-forward.
func AnnualLeave(id string, days, maxCarry float64) LeaveTypeYAML {
	return LeaveTypeYAML{
		ID: id, Code: "AL", Name: "Annual leave",
		DaysAllowed:     days,
		CarryForward:    maxCarry > 0,
		MaxCarryForward: maxCarry,
	}
}

// SickLeave records usage without a balance limit.
func SickLeave(id string) LeaveTypeYAML {
	return LeaveTypeYAML{ID: id, Code: "SL", Name: "Sick leave", TracksBalance: no()}
}

// UnpaidLeave has an allowance that expires at year end.
func UnpaidLeave(id string, days float64) LeaveTypeYAML {
	return LeaveTypeYAML{ID: id, Code: "UL", Name: "Unpaid leave", DaysAllowed: days}
}

// CompassionateLeave needs a supporting document and a second-level signature.
func CompassionateLeave(id string) LeaveTypeYAML {
	return LeaveTypeYAML{
		ID: id, Code: "CL", Name: "Compassionate leave",
		TracksBalance:       no(),
		RequiresDocument:    true,
		RequiresSecondLevel: true,
	}
}

func WorkFromHome(id string) LeaveTypeYAML {
	return LeaveTypeYAML{ID: id, Code: "WFH", Name: "Work from home", Category: "WFH", RequiresApproval: yes()}
}

// DefaultCatalog is the catalog the seed command writes when no file is given.
func DefaultCatalog() *Seed {
	return &Seed{LeaveTypes: []LeaveTypeYAML{
		AnnualLeave("annual", 21, 5),
		SickLeave("sick"),
		UnpaidLeave("unpaid", 10),
		CompassionateLeave("compassionate"),
		WorkFromHome("wfh"),
	}}
}
