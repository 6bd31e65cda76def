// Package validation runs Byzantine-fault-tolerant review of task results.
//
// A validation task names a fixed set of validators. Each votes approve or
// reject; the task resolves as soon as the outcome is certain:
//
//	byzantine = floor(total * 0.33)
//	required  = ceil((total - byzantine) * threshold)
//	approved  when approvals >= required
//	rejected  when total - rejections < required
//
// A task that is still pending at its deadline is rejected. On resolution
// every validator that voted with the verdict gains 0.01 reputation (capped
// at 1) and every one that voted against it loses 0.05 (floored at 0), and
// all validators return to the available set.
//
// Only validators with reputation above 0.7 are selected, highest first.
package validation
