// Package compute holds the historic-date aggregation core.
//
// dates.go provides TargetDates, the pure generator of calendar dates that
// match the reference date under a historic range: the same day and month in
// each of the last 10 years (annual), or the same day in each of the last 12
// months (monthly). Dates that do not exist in the calendar are dropped.
//
// extract.go provides Extract, which pulls the tracked statistic out of each
// raw sample and silently skips samples where it is absent or not numeric.
//
// aggregate.go provides Aggregate, which reduces the extracted values to one
// Result. Empty input, a single-value standard deviation, and any failure
// during arithmetic all yield Unavailable. Two values always have a standard
// deviation of 0.
//
// types.go defines the option enums with the same string values used in the
// configuration file.
package compute
