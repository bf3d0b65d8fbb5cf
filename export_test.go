package leasequeue

// ClaimPaged exposes the paged compare-and-swap claim loop to external tests.
var ClaimPaged = claimPaged
