/*
Package client provides a Go client for the controller HTTP API.

The client wraps the /v1 endpoints with typed methods, decodes error
bodies into errors classifiable with IsNotFound and IsConflict, and
supports both TCP addresses and the local read-only Unix socket:

	c := client.New("10.0.0.5:7441")
	claim, err := c.CreateClaim(ctx, apiv1.CreateClaimRequest{
		Name:     "pg-data",
		Capacity: "50Gi",
	})

StreamEvents tails the controller's lifecycle event stream until the
context is canceled.
*/
package client
