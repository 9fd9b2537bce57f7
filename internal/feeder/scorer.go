package feeder

// FeatureCols are the raw feature fields every stream entry must carry.
var FeatureCols = []string{
	"Amount",
	"Active_Loans",
	"Session_Time",
	"Transactions_Per_Unit_Time",
	"Velocity",
	"High_Value_Transaction",
	"Large_Transaction_Freq",
	"Payment_Method",
	"Device_Type",
}

// Features holds one transaction's numeric feature vector.
type Features struct {
	Amount                  float64
	ActiveLoans             float64
	SessionTime             float64
	TransactionsPerUnitTime float64
	Velocity                float64
	HighValueTransaction    float64
	LargeTransactionFreq    float64
	PaymentMethod           float64
	DeviceType              float64
}

// Scorer decides whether a feature vector looks fraudulent.
type Scorer interface {
	// Score returns the binary verdict (1 fraud, 0 legit) and the fraud
	// probability in [0, 1].
	Score(f Features) (int, float64)
}

// HeuristicScorer is a deterministic rule-based stand-in for a trained
// classifier. Each risk signal contributes a fixed weight; the verdict is
// fraud once the accumulated probability crosses the threshold.
type HeuristicScorer struct {
	// Threshold above which a transaction is classified as fraud.
	Threshold float64
}

// NewHeuristicScorer returns a scorer with the default 0.5 threshold.
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{Threshold: 0.5}
}

func (s *HeuristicScorer) Score(f Features) (int, float64) {
	p := 0.02 // base rate

	if f.HighValueTransaction >= 1 {
		p += 0.30
	}
	if f.Amount > 10000 {
		p += 0.25
	}
	if f.Velocity > 5 {
		p += 0.20
	}
	if f.LargeTransactionFreq > 3 {
		p += 0.15
	}
	if f.TransactionsPerUnitTime > 10 {
		p += 0.15
	}
	if f.ActiveLoans > 5 {
		p += 0.10
	}
	if f.SessionTime < 30 && f.Amount > 1000 {
		p += 0.10
	}
	if p > 0.99 {
		p = 0.99
	}

	if p >= s.Threshold {
		return 1, p
	}
	return 0, p
}
