package violation

type Route string

const (
	RouteAccept  Route = "accept"
	RouteCloud   Route = "cloud"
	RouteDiscard Route = "discard"
)

type Weights struct {
	Detection      float64
	Classification float64
	Temporal       float64
	OCR            float64
}

var DefaultWeights = Weights{Detection: 0.3, Classification: 0.3, Temporal: 0.2, OCR: 0.2}

type Aggregator struct {
	weights Weights
}

func NewAggregator(w Weights) *Aggregator {
	return &Aggregator{weights: w}
}

// Compute blends the component scores. A nil ocr redistributes the OCR weight
// across the other three so the result stays on the same scale.
func (a *Aggregator) Compute(detection, classification, temporalRatio float64, ocr *float64) float64 {
	w := a.weights
	temporalRatio = clamp01(temporalRatio)

	var score float64
	if ocr != nil {
		score = w.Detection*detection +
			w.Classification*classification +
			w.Temporal*temporalRatio +
			w.OCR*(*ocr)
	} else {
		total := w.Detection + w.Classification + w.Temporal
		if total <= 0 {
			return 0
		}
		score = (w.Detection*detection +
			w.Classification*classification +
			w.Temporal*temporalRatio) / total
	}
	return clamp01(score)
}

// Router classifies an aggregated score into one of three bands.
type Router struct {
	Accept float64
	Cloud  float64
}

func NewRouter(accept, cloud float64) Router {
	return Router{Accept: accept, Cloud: cloud}
}

func (r Router) Route(confidence float64) Route {
	switch {
	case confidence >= r.Accept:
		return RouteAccept
	case confidence >= r.Cloud:
		return RouteCloud
	default:
		return RouteDiscard
	}
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
