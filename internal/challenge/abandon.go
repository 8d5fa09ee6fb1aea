package challenge

import "context"

// Abandon ends a deployment that can no longer finish. A pending challenge
// passes through deploying first, since pending_deployment cannot move
// straight to deployment_failed. It reports false when the challenge had
// already settled.
func Abandon(ctx context.Context, s Store, id int64, retryCount int, reason string) (Challenge, bool, error) {
	c, err := s.GetChallenge(ctx, id)
	if err != nil {
		return Challenge{}, false, err
	}
	switch c.DeploymentStatus {
	case StatusActive, StatusDeploymentFailed:
		return c, false, nil
	case StatusPendingDeployment:
		if _, err := s.MarkDeploying(ctx, id, retryCount); err != nil {
			return Challenge{}, false, err
		}
	}
	c, err = s.MarkDeploymentFailed(ctx, id, reason)
	if err != nil {
		return Challenge{}, false, err
	}
	return c, true, nil
}
