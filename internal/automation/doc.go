// Package automation drives repeated on-chain operations for a task.
//
// Loop runs a step a fixed number of times with a random pause between
// iterations, reporting every outcome to the task log. Runner turns a Plan
// into such a step using the allowance repairer and the retrying executor.
package automation
