package trainer

// EarlyStopping folds one validation result into the early-stopping
// state. It is a pure function of its inputs: value is the new
// validation score, best the best score so far, curStep the number of
// evaluation rounds without improvement, maxStep the patience, and
// bigger the metric polarity.
//
// On improvement the step counter resets to zero and best advances;
// otherwise the counter increments and training should stop once it
// reaches the patience.
func EarlyStopping(value, best float64, curStep, maxStep int, bigger bool) (newBest float64, newStep int, stop, update bool) {
	improved := value > best
	if !bigger {
		improved = value < best
	}

	if improved {
		return value, 0, false, true
	}

	newStep = curStep + 1
	return best, newStep, newStep >= maxStep, false
}
