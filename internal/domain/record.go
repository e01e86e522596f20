package domain

// Record is one validated row of a submitted batch. Immutable after
// validation.
type Record struct {
	Name  string `json:"name" bson:"name"`
	Age   int    `json:"age" bson:"age"`
	Foods string `json:"foods" bson:"foods"`
}
