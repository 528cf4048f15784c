// Package aws provides the EC2 host adapter. Credentials come from the
// "host.aws" configuration section when present, otherwise from the default
// AWS credential chain.
package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/gammadia/accelpool/config"
	"github.com/gammadia/accelpool/host"
)

func init() {
	host.Register("aws", NewAdapter)
}

type Adapter struct {
	client *ec2.Client
	config Config
	log    *slog.Logger
}

// Adapter implements host.Adapter
var _ host.Adapter = (*Adapter)(nil)

type Config struct {
	Image          string
	InstanceType   string
	KeyPair        string
	SecurityGroups []string
	UsePrivateIP   bool
}

func NewAdapter(resolver *config.Resolver, logger *slog.Logger) (host.Adapter, error) {
	section := "host.aws"

	loadOptions := []func(*awsconfig.LoadOptions) error{}
	if region := resolver.Resolve(section, "region", ""); region != "" {
		loadOptions = append(loadOptions, awsconfig.WithRegion(region))
	}
	clientID := resolver.Resolve(section, "client_id", "")
	secretID := resolver.Resolve(section, "secret_id", "")
	if clientID != "" && secretID != "" {
		loadOptions = append(loadOptions, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(clientID, secretID, "")))
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}

	return &Adapter{
		client: ec2.NewFromConfig(cfg),
		config: Config{
			Image:          resolver.Resolve(section, "image", ""),
			InstanceType:   resolver.Resolve(section, "instance_type", ""),
			KeyPair:        resolver.Resolve(section, "key_pair", ""),
			SecurityGroups: resolver.ResolveSlice(section, "security_groups"),
			UsePrivateIP:   resolver.ResolveBool(section, "use_private_ip", false),
		},
		log: logger.With("component", "aws"),
	}, nil
}

func (a *Adapter) Create(ctx context.Context, spec host.InstanceSpec) (host.InstanceRef, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(a.config.Image),
		InstanceType: ec2types.InstanceType(a.config.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags: []ec2types.Tag{{
				Key:   aws.String("Name"),
				Value: aws.String(spec.Name),
			}},
		}},
	}
	if a.config.KeyPair != "" {
		input.KeyName = aws.String(a.config.KeyPair)
	}
	if len(a.config.SecurityGroups) > 0 {
		input.SecurityGroups = a.config.SecurityGroups
	}

	output, err := a.client.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run instance '%s': %w", spec.Name, err)
	}
	if len(output.Instances) == 0 || output.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("no instance returned for '%s'", spec.Name)
	}

	instanceID := *output.Instances[0].InstanceId
	a.log.Debug("Created instance", "name", spec.Name, "id", instanceID)
	return host.InstanceRef(instanceID), nil
}

func (a *Adapter) Find(ctx context.Context, instanceID string) (host.InstanceRef, error) {
	instance, err := a.describe(ctx, host.InstanceRef(instanceID))
	if err != nil {
		return "", err
	}

	// Resume a paused instance so that a reused host can become reachable.
	if instance.State != nil && instance.State.Name == ec2types.InstanceStateNameStopped {
		a.log.Info("Starting stopped instance", "id", instanceID)
		_, err = a.client.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{instanceID}})
		if err != nil {
			return "", fmt.Errorf("failed to start instance '%s': %w", instanceID, err)
		}
	}

	return host.InstanceRef(instanceID), nil
}

func (a *Adapter) Status(ctx context.Context, ref host.InstanceRef) (host.InstanceStatus, error) {
	instance, err := a.describe(ctx, ref)
	if err != nil {
		return "", err
	}
	if instance.State == nil {
		return host.StatusInstancePending, nil
	}

	switch instance.State.Name {
	case ec2types.InstanceStateNameRunning:
		return host.StatusInstanceReady, nil
	case ec2types.InstanceStateNameTerminated, ec2types.InstanceStateNameShuttingDown:
		return host.StatusInstanceError, nil
	default:
		return host.StatusInstancePending, nil
	}
}

func (a *Adapter) Address(ctx context.Context, ref host.InstanceRef) (string, error) {
	instance, err := a.describe(ctx, ref)
	if err != nil {
		return "", err
	}

	if a.config.UsePrivateIP {
		if instance.PrivateIpAddress != nil {
			return *instance.PrivateIpAddress, nil
		}
	} else if instance.PublicIpAddress != nil {
		return *instance.PublicIpAddress, nil
	} else if instance.PrivateIpAddress != nil {
		return *instance.PrivateIpAddress, nil
	}
	return "", fmt.Errorf("no address found for instance '%s'", ref)
}

func (a *Adapter) Terminate(ctx context.Context, ref host.InstanceRef) error {
	_, err := a.client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{string(ref)},
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to terminate instance '%s': %w", ref, err)
	}
	return nil
}

func (a *Adapter) Pause(ctx context.Context, ref host.InstanceRef) error {
	_, err := a.client.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{string(ref)},
	})
	if err != nil {
		return fmt.Errorf("failed to stop instance '%s': %w", ref, err)
	}
	return nil
}

func (a *Adapter) Capabilities() host.Capabilities {
	return host.Capabilities{Pause: true}
}

func (a *Adapter) describe(ctx context.Context, ref host.InstanceRef) (*ec2types.Instance, error) {
	output, err := a.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{string(ref)},
	})
	if err != nil {
		if isNotFound(err) {
			return nil, host.ErrInstanceNotFound
		}
		return nil, fmt.Errorf("failed to describe instance '%s': %w", ref, err)
	}

	for _, reservation := range output.Reservations {
		for _, instance := range reservation.Instances {
			return &instance, nil
		}
	}
	return nil, host.ErrInstanceNotFound
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound"
}
