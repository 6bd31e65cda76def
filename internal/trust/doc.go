// Package trust keeps a reputation record per node and turns it into a
// composite score and tier.
//
// The composite is
//
//	0.3*completion + 0.3*validation + 0.2*availability + 0.2*behavior
//
// where the first three are success ratios (0.5 with no data) and behavior is
// the mean of the newest 100 signed events in a 1000-event ring buffer,
// rescaled from [-1,1] to [0,1]. Blacklisting is permanent.
package trust
