package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/amplify"
	amplifytypes "github.com/aws/aws-sdk-go-v2/service/amplify/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	logstypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// CloudWatch filter pattern for common error indicators, applied server-side
// before pattern classification happens locally.
const errorFilterPattern = "?ERROR ?Error ?error ?FATAL ?Fatal ?Exception ?exception ?FAILED ?failed ?Traceback"

// Narrow views of the AWS service clients, for test doubles.
type logsAPI interface {
	FilterLogEvents(ctx context.Context, params *cloudwatchlogs.FilterLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.FilterLogEventsOutput, error)
	DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
}

type ec2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
	RebootInstances(ctx context.Context, params *ec2.RebootInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

type amplifyAPI interface {
	GetApp(ctx context.Context, params *amplify.GetAppInput, optFns ...func(*amplify.Options)) (*amplify.GetAppOutput, error)
	ListApps(ctx context.Context, params *amplify.ListAppsInput, optFns ...func(*amplify.Options)) (*amplify.ListAppsOutput, error)
	ListBranches(ctx context.Context, params *amplify.ListBranchesInput, optFns ...func(*amplify.Options)) (*amplify.ListBranchesOutput, error)
	ListJobs(ctx context.Context, params *amplify.ListJobsInput, optFns ...func(*amplify.Options)) (*amplify.ListJobsOutput, error)
	StartJob(ctx context.Context, params *amplify.StartJobInput, optFns ...func(*amplify.Options)) (*amplify.StartJobOutput, error)
}

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Config holds the cloud client settings.
type Config struct {
	Region            string  `json:"region"`
	RequestsPerSecond float64 `json:"requests_per_second"`
	Burst             int     `json:"burst"`
}

// Client is the AWS-backed cloud provider. Every outbound call waits on a
// shared rate limiter and runs inside a circuit breaker so a broken AWS
// endpoint cannot be hammered by the polling loops.
type Client struct {
	region  string
	logs    logsAPI
	ec2     ec2API
	amplify amplifyAPI
	ses     sesAPI
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewClient resolves AWS credentials from the default chain and builds the
// service clients for the configured region.
func NewClient(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws region is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	c := &Client{
		region:  cfg.Region,
		logs:    cloudwatchlogs.NewFromConfig(awsCfg),
		ec2:     ec2.NewFromConfig(awsCfg),
		amplify: amplify.NewFromConfig(awsCfg),
		ses:     sesv2.NewFromConfig(awsCfg),
		logger:  logger,
	}
	c.breaker = newBreaker("aws-client", logger)
	c.limiter = newLimiter(cfg)
	return c, nil
}

func newBreaker(name string, logger *slog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	})
}

func newLimiter(cfg Config) *rate.Limiter {
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 20
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func (c *Client) protect(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}
	return c.breaker.Execute(fn)
}

// FetchLogs retrieves events from a CloudWatch log group within the time
// range, newest first, capped at limit.
func (c *Client) FetchLogs(ctx context.Context, logGroup string, start, end time.Time, filterPattern string, limit int) ([]LogEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	result, err := c.protect(ctx, func() (interface{}, error) {
		return c.fetchLogs(ctx, logGroup, start, end, filterPattern, limit)
	})
	if err != nil {
		return nil, err
	}
	return result.([]LogEvent), nil
}

func (c *Client) fetchLogs(ctx context.Context, logGroup string, start, end time.Time, filterPattern string, limit int) ([]LogEvent, error) {
	input := &cloudwatchlogs.FilterLogEventsInput{
		LogGroupName: aws.String(logGroup),
		StartTime:    aws.Int64(start.UnixMilli()),
		EndTime:      aws.Int64(end.UnixMilli()),
		Limit:        aws.Int32(int32(limit)),
	}
	if filterPattern != "" {
		input.FilterPattern = aws.String(filterPattern)
	}

	var events []LogEvent
	for {
		out, err := c.logs.FilterLogEvents(ctx, input)
		if err != nil {
			var notFound *logstypes.ResourceNotFoundException
			if errors.As(err, &notFound) {
				return nil, fmt.Errorf("log group %s: %w", logGroup, ErrNotFound)
			}
			return nil, fmt.Errorf("failed to fetch logs from %s: %w", logGroup, err)
		}

		for _, e := range out.Events {
			event := LogEvent{
				Timestamp: time.UnixMilli(aws.ToInt64(e.Timestamp)).UTC(),
				Message:   aws.ToString(e.Message),
				LogStream: aws.ToString(e.LogStreamName),
			}
			if e.IngestionTime != nil {
				event.IngestionTime = time.UnixMilli(*e.IngestionTime).UTC()
			}
			events = append(events, event)
			if len(events) >= limit {
				break
			}
		}
		if len(events) >= limit || out.NextToken == nil {
			break
		}
		input.NextToken = out.NextToken
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	c.logger.Debug("Fetched log events", "log_group", logGroup, "count", len(events))
	return events, nil
}

// FetchErrorLogs retrieves recent events matching the common error filter
// pattern from a log group.
func (c *Client) FetchErrorLogs(ctx context.Context, logGroup string, lookback time.Duration, limit int) ([]LogEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	now := time.Now().UTC()
	return c.FetchLogs(ctx, logGroup, now.Add(-lookback), now, errorFilterPattern, limit)
}

// GetInstanceStatus fetches the state and status checks of an EC2 instance.
func (c *Client) GetInstanceStatus(ctx context.Context, instanceID string) (*InstanceStatus, error) {
	result, err := c.protect(ctx, func() (interface{}, error) {
		return c.getInstanceStatus(ctx, instanceID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*InstanceStatus), nil
}

func (c *Client) getInstanceStatus(ctx context.Context, instanceID string) (*InstanceStatus, error) {
	out, err := c.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance %s: %w", instanceID, err)
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, fmt.Errorf("instance %s: %w", instanceID, ErrNotFound)
	}
	inst := out.Reservations[0].Instances[0]

	statusCheck := "unknown"
	statusOut, err := c.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{instanceID},
		IncludeAllInstances: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe instance status %s: %w", instanceID, err)
	}
	if len(statusOut.InstanceStatuses) > 0 {
		st := statusOut.InstanceStatuses[0]
		instanceOK := st.InstanceStatus != nil && string(st.InstanceStatus.Status) == "ok"
		systemOK := st.SystemStatus != nil && string(st.SystemStatus.Status) == "ok"
		if instanceOK && systemOK {
			statusCheck = "ok"
		} else {
			statusCheck = "impaired"
		}
	}

	status := &InstanceStatus{
		InstanceID:   instanceID,
		StatusCheck:  statusCheck,
		InstanceType: string(inst.InstanceType),
	}
	if inst.State != nil {
		status.State = string(inst.State.Name)
	} else {
		status.State = "unknown"
	}
	if inst.LaunchTime != nil {
		status.LaunchTime = *inst.LaunchTime
	}
	if inst.Placement != nil {
		status.AvailabilityZone = aws.ToString(inst.Placement.AvailabilityZone)
	}
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == "Name" {
			status.Name = aws.ToString(tag.Value)
			break
		}
	}
	return status, nil
}

// IsInstanceHealthy reports whether an instance is running with passing
// status checks. Used by the executor's recovery wait.
func (c *Client) IsInstanceHealthy(ctx context.Context, instanceID string) (bool, error) {
	status, err := c.GetInstanceStatus(ctx, instanceID)
	if err != nil {
		return false, err
	}
	return status.IsHealthy(), nil
}

// RebootInstance initiates a reboot and reports whether the request was
// accepted.
func (c *Client) RebootInstance(ctx context.Context, instanceID string) (bool, error) {
	_, err := c.protect(ctx, func() (interface{}, error) {
		return c.ec2.RebootInstances(ctx, &ec2.RebootInstancesInput{
			InstanceIds: []string{instanceID},
		})
	})
	if err != nil {
		c.logger.Error("Failed to reboot instance", "instance_id", instanceID, "error", err)
		return false, fmt.Errorf("failed to reboot instance %s: %w", instanceID, err)
	}
	c.logger.Info("Reboot initiated", "instance_id", instanceID)
	return true, nil
}

// GetAppStatus fetches the latest deployment status of an Amplify app,
// preferring the production branch.
func (c *Client) GetAppStatus(ctx context.Context, appID string) (*AppStatus, error) {
	result, err := c.protect(ctx, func() (interface{}, error) {
		return c.getAppStatus(ctx, appID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*AppStatus), nil
}

func (c *Client) getAppStatus(ctx context.Context, appID string) (*AppStatus, error) {
	appOut, err := c.amplify.GetApp(ctx, &amplify.GetAppInput{AppId: aws.String(appID)})
	if err != nil {
		var notFound *amplifytypes.NotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("amplify app %s: %w", appID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get amplify app %s: %w", appID, err)
	}

	status := &AppStatus{
		AppID:  appID,
		Status: "UNKNOWN",
	}
	if appOut.App != nil {
		status.Name = aws.ToString(appOut.App.Name)
		status.Domain = aws.ToString(appOut.App.DefaultDomain)
	}

	branchOut, err := c.amplify.ListBranches(ctx, &amplify.ListBranchesInput{AppId: aws.String(appID)})
	if err != nil {
		return nil, fmt.Errorf("failed to list branches for %s: %w", appID, err)
	}

	for _, branch := range branchOut.Branches {
		if branch.Stage != amplifytypes.StageProduction && status.Branch != "" {
			continue
		}
		status.Branch = aws.ToString(branch.BranchName)
		if branch.UpdateTime != nil {
			status.LastDeployTime = *branch.UpdateTime
		}

		jobsOut, err := c.amplify.ListJobs(ctx, &amplify.ListJobsInput{
			AppId:      aws.String(appID),
			BranchName: branch.BranchName,
		})
		if err == nil && len(jobsOut.JobSummaries) > 0 {
			status.Status = string(jobsOut.JobSummaries[0].Status)
		}
	}
	return status, nil
}

// StartDeployment triggers a release job for an Amplify branch and returns
// the job ID, or an error when the job could not be started.
func (c *Client) StartDeployment(ctx context.Context, appID, branch string) (string, error) {
	result, err := c.protect(ctx, func() (interface{}, error) {
		return c.amplify.StartJob(ctx, &amplify.StartJobInput{
			AppId:      aws.String(appID),
			BranchName: aws.String(branch),
			JobType:    amplifytypes.JobTypeRelease,
		})
	})
	if err != nil {
		c.logger.Error("Failed to start deployment", "app_id", appID, "branch", branch, "error", err)
		return "", fmt.Errorf("failed to start deployment for %s/%s: %w", appID, branch, err)
	}

	out := result.(*amplify.StartJobOutput)
	jobID := ""
	if out.JobSummary != nil {
		jobID = aws.ToString(out.JobSummary.JobId)
	}
	c.logger.Info("Deployment started", "app_id", appID, "branch", branch, "job_id", jobID)
	return jobID, nil
}

// SendEmail delivers a plain-text email through SES.
func (c *Client) SendEmail(ctx context.Context, from string, to []string, subject, body string) error {
	_, err := c.protect(ctx, func() (interface{}, error) {
		return c.ses.SendEmail(ctx, &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(from),
			Destination: &sestypes.Destination{
				ToAddresses: to,
			},
			Content: &sestypes.EmailContent{
				Simple: &sestypes.Message{
					Subject: &sestypes.Content{Data: aws.String(subject)},
					Body: &sestypes.Body{
						Text: &sestypes.Content{Data: aws.String(body)},
					},
				},
			},
		})
	})
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

// TestConnection probes each AWS service and reports per-service
// reachability.
func (c *Client) TestConnection(ctx context.Context) map[string]bool {
	results := make(map[string]bool)

	_, err := c.logs.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		Limit: aws.Int32(1),
	})
	results["cloudwatch_logs"] = err == nil
	if err != nil {
		c.logger.Warn("CloudWatch Logs connection failed", "error", err)
	}

	_, err = c.ec2.DescribeRegions(ctx, &ec2.DescribeRegionsInput{
		RegionNames: []string{c.region},
	})
	results["ec2"] = err == nil
	if err != nil {
		c.logger.Warn("EC2 connection failed", "error", err)
	}

	_, err = c.amplify.ListApps(ctx, &amplify.ListAppsInput{})
	results["amplify"] = err == nil
	if err != nil {
		c.logger.Warn("Amplify connection failed", "error", err)
	}

	return results
}
