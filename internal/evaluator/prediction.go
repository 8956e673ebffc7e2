package evaluator

// Risk 故障风险等级
type Risk string

const (
	RiskLow    Risk = "low"
	RiskMedium Risk = "medium"
	RiskHigh   Risk = "high"
)

// predictionWindow 预测使用最近几次健康分
const predictionWindow = 5

// Prediction 基于健康分走势的故障预测
type Prediction struct {
	Risk       Risk    `json:"risk"`
	Confidence float64 `json:"confidence"`
}

// PredictFailure 根据按时间升序排列的健康分历史预测故障风险
// 样本不足 5 个时返回 low/0
func PredictFailure(history []float64) Prediction {
	if len(history) < predictionWindow {
		return Prediction{Risk: RiskLow, Confidence: 0}
	}

	recent := history[len(history)-predictionWindow:]
	last := recent[len(recent)-1]
	trend := last - recent[0]

	switch {
	case trend < -10 && last < 60:
		return Prediction{Risk: RiskHigh, Confidence: 0.7}
	case trend < -5 && last < 70:
		return Prediction{Risk: RiskMedium, Confidence: 0.5}
	default:
		return Prediction{Risk: RiskLow, Confidence: 0.3}
	}
}

// MovingAverage 最近 window 个值的平均；不足 window 时取全部
func MovingAverage(values []float64, window int) float64 {
	if len(values) == 0 {
		return 0
	}
	if window > 0 && len(values) > window {
		values = values[len(values)-window:]
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
