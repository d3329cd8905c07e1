package orchestrate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/opsstack/reconstitute/pkg/errors"
	"github.com/opsstack/reconstitute/pkg/journal"
	"github.com/opsstack/reconstitute/pkg/userdata"
	"github.com/superfly/fsm"
)

// InstanceAPI is the EC2 surface the orchestrator drives.
type InstanceAPI interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	DescribeInstanceStatus(ctx context.Context, params *ec2.DescribeInstanceStatusInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	DetachVolume(ctx context.Context, params *ec2.DetachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error)
	DeleteVolume(ctx context.Context, params *ec2.DeleteVolumeInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error)
	AttachVolume(ctx context.Context, params *ec2.AttachVolumeInput, optFns ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error)
	ModifyInstanceAttribute(ctx context.Context, params *ec2.ModifyInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error)
	DescribeInstanceAttribute(ctx context.Context, params *ec2.DescribeInstanceAttributeInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error)
}

// checkRetries enforces the FSM retry ceiling shared by every handler.
func (m *Machine) checkRetries(ctx context.Context, state string) error {
	if retryCount := fsm.RetryFromContext(ctx); m.maxRetries > 0 && retryCount >= uint64(m.maxRetries) {
		slog.Error("max_retries_exceeded", "state", state, "max_retries", m.maxRetries)
		return fmt.Errorf("max retries (%d) exceeded in %s", m.maxRetries, state)
	}
	return nil
}

// handleLaunch requests the bare recovery instance.
func (m *Machine) handleLaunch(ctx context.Context, req *fsm.Request[RecoveryRequest, RecoveryResponse]) (*fsm.Response[RecoveryResponse], error) {
	slog.Info("fsm_state_launch", "search_value", req.Msg.SearchValue, "image_id", req.Msg.ImageID)

	if err := m.checkRetries(ctx, StateLaunch); err != nil {
		return nil, fsm.Abort(err)
	}

	resp := req.W.Msg
	if resp == nil {
		resp = &RecoveryResponse{}
	}

	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(req.Msg.ImageID),
		InstanceType: ec2types.InstanceType(req.Msg.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		NetworkInterfaces: []ec2types.InstanceNetworkInterfaceSpecification{
			{DeviceIndex: aws.Int32(0), SubnetId: aws.String(req.Msg.SubnetID)},
		},
		Placement: &ec2types.Placement{AvailabilityZone: aws.String(req.Msg.Zone)},
		TagSpecifications: []ec2types.TagSpecification{
			{
				ResourceType: ec2types.ResourceTypeInstance,
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String(req.Msg.Label)},
				},
			},
		},
	}
	if req.Msg.KeyName != "" {
		input.KeyName = aws.String(req.Msg.KeyName)
	}

	out, err := m.ec2.RunInstances(ctx, input)
	if err != nil {
		slog.Error("launch_failed", "image_id", req.Msg.ImageID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to launch recovery instance"))
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return nil, fsm.Abort(fmt.Errorf("launch returned no instance"))
	}

	resp.InstanceID = *out.Instances[0].InstanceId
	slog.Info("launch_complete", "instance_id", resp.InstanceID)

	m.recordRun(func(run *journal.Run) {
		run.InstanceID = resp.InstanceID
		run.Status = journal.StatusRecovering
	})

	return fsm.NewResponse(resp), nil
}

// handleAwaitOnline waits for the fresh instance to report passing health.
func (m *Machine) handleAwaitOnline(ctx context.Context, req *fsm.Request[RecoveryRequest, RecoveryResponse]) (*fsm.Response[RecoveryResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	slog.Info("fsm_state_await_online", "instance_id", resp.InstanceID)

	if err := m.checkRetries(ctx, StateAwaitOnline); err != nil {
		return nil, fsm.Abort(err)
	}

	if err := m.awaitInstance(ctx, resp.InstanceID, HealthOK); err != nil {
		return nil, errors.Wrap(err, "instance never reached online state")
	}

	return fsm.NewResponse(resp), nil
}

// handleStop powers the instance down so its root volume can be swapped.
func (m *Machine) handleStop(ctx context.Context, req *fsm.Request[RecoveryRequest, RecoveryResponse]) (*fsm.Response[RecoveryResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	slog.Info("fsm_state_stop", "instance_id", resp.InstanceID)

	if err := m.checkRetries(ctx, StateStop); err != nil {
		return nil, fsm.Abort(err)
	}

	if _, err := m.ec2.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{resp.InstanceID},
	}); err != nil {
		slog.Error("stop_request_failed", "instance_id", resp.InstanceID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to stop recovery instance"))
	}

	if err := m.awaitInstance(ctx, resp.InstanceID, HealthStopped); err != nil {
		return nil, errors.Wrap(err, "instance never reached stopped state")
	}

	return fsm.NewResponse(resp), nil
}

// handleSwapRoot detaches the instance's default root volume, deletes it,
// and confirms the deletion. The provider's not-found answer is the
// success signal for the final wait.
func (m *Machine) handleSwapRoot(ctx context.Context, req *fsm.Request[RecoveryRequest, RecoveryResponse]) (*fsm.Response[RecoveryResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	slog.Info("fsm_state_swap_root", "instance_id", resp.InstanceID)

	if err := m.checkRetries(ctx, StateSwapRoot); err != nil {
		return nil, fsm.Abort(err)
	}

	instance, err := m.describeInstance(ctx, resp.InstanceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to describe recovery instance")
	}
	if len(instance.BlockDeviceMappings) == 0 || instance.BlockDeviceMappings[0].Ebs == nil {
		return nil, fsm.Abort(fmt.Errorf("instance %s has no block-device mapping to remove", resp.InstanceID))
	}
	rootVolume := aws.ToString(instance.BlockDeviceMappings[0].Ebs.VolumeId)

	slog.Info("root_volume_detach_start", "instance_id", resp.InstanceID, "volume_id", rootVolume)

	if _, err := m.ec2.DetachVolume(ctx, &ec2.DetachVolumeInput{
		InstanceId: aws.String(resp.InstanceID),
		VolumeId:   aws.String(rootVolume),
	}); err != nil {
		slog.Error("root_volume_detach_failed", "volume_id", rootVolume, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to detach root volume"))
	}

	if err := m.awaitVolumeAvailable(ctx, rootVolume); err != nil {
		return nil, errors.Wrap(err, "root volume never came free")
	}
	slog.Info("root_volume_detached", "volume_id", rootVolume)

	if _, err := m.ec2.DeleteVolume(ctx, &ec2.DeleteVolumeInput{
		VolumeId: aws.String(rootVolume),
	}); err != nil {
		slog.Error("root_volume_delete_failed", "volume_id", rootVolume, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to delete root volume"))
	}

	if err := m.awaitVolumeGone(ctx, rootVolume); err != nil {
		return nil, errors.Wrap(err, "root volume never disappeared")
	}
	slog.Info("root_volume_deleted", "volume_id", rootVolume)

	resp.RootVolumeID = rootVolume
	return fsm.NewResponse(resp), nil
}

// handleAttach attaches every reconstituted volume at its original device
// path. Device uniqueness across the batch is the provider's to enforce; a
// collision fails the attach call and aborts the run.
func (m *Machine) handleAttach(ctx context.Context, req *fsm.Request[RecoveryRequest, RecoveryResponse]) (*fsm.Response[RecoveryResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	slog.Info("fsm_state_attach", "instance_id", resp.InstanceID, "volume_count", len(req.Msg.Volumes))

	if err := m.checkRetries(ctx, StateAttach); err != nil {
		return nil, fsm.Abort(err)
	}

	for _, volume := range req.Msg.Volumes {
		slog.Info("volume_attach_start", "volume_id", volume.ID, "instance_id", resp.InstanceID, "device", volume.Device)

		if _, err := m.ec2.AttachVolume(ctx, &ec2.AttachVolumeInput{
			Device:     aws.String(volume.Device),
			InstanceId: aws.String(resp.InstanceID),
			VolumeId:   aws.String(volume.ID),
		}); err != nil {
			slog.Error("volume_attach_failed", "volume_id", volume.ID, "device", volume.Device, "error", err)
			return nil, fsm.Abort(errors.Wrap(err, fmt.Sprintf("failed to attach %s at %s", volume.ID, volume.Device)))
		}

		resp.AttachedCount++
	}

	slog.Info("volumes_attached", "instance_id", resp.InstanceID, "attached_count", resp.AttachedCount)
	return fsm.NewResponse(resp), nil
}

// handleAccess replaces the instance's security-group membership. This is
// the one provider mutation whose failure warns instead of aborting.
func (m *Machine) handleAccess(ctx context.Context, req *fsm.Request[RecoveryRequest, RecoveryResponse]) (*fsm.Response[RecoveryResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if len(req.Msg.SecurityGroups) == 0 {
		return fsm.NewResponse(resp), nil
	}

	slog.Info("fsm_state_access", "instance_id", resp.InstanceID, "group_count", len(req.Msg.SecurityGroups))

	if err := m.checkRetries(ctx, StateAccess); err != nil {
		return nil, fsm.Abort(err)
	}

	if _, err := m.ec2.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(resp.InstanceID),
		Groups:     req.Msg.SecurityGroups,
	}); err != nil {
		slog.Warn("access_group_apply_failed", "instance_id", resp.InstanceID, "error", err)
		return fsm.NewResponse(resp), nil
	}

	slog.Info("access_groups_applied", "instance_id", resp.InstanceID)
	return fsm.NewResponse(resp), nil
}

// handleUserData injects the boot-configuration payload: either the content
// supplied up front, or one cloned from the original source instance.
func (m *Machine) handleUserData(ctx context.Context, req *fsm.Request[RecoveryRequest, RecoveryResponse]) (*fsm.Response[RecoveryResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	payload := req.Msg.UserData
	if len(payload) == 0 && req.Msg.CloneSource == "" {
		return fsm.NewResponse(resp), nil
	}

	slog.Info("fsm_state_userdata", "instance_id", resp.InstanceID, "clone_source", req.Msg.CloneSource)

	if err := m.checkRetries(ctx, StateUserData); err != nil {
		return nil, fsm.Abort(err)
	}

	if len(payload) == 0 {
		cloned, err := userdata.Clone(ctx, m.ec2, req.Msg.CloneSource)
		if err != nil {
			return nil, fsm.Abort(err)
		}
		payload = cloned
	}

	if _, err := m.ec2.ModifyInstanceAttribute(ctx, &ec2.ModifyInstanceAttributeInput{
		InstanceId: aws.String(resp.InstanceID),
		UserData:   &ec2types.BlobAttributeValue{Value: payload},
	}); err != nil {
		slog.Error("userdata_inject_failed", "instance_id", resp.InstanceID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to set userData on recovery instance"))
	}

	slog.Info("userdata_injected", "instance_id", resp.InstanceID, "size_bytes", len(payload))
	return fsm.NewResponse(resp), nil
}

// handlePowerOn optionally starts the rebuilt instance and reads back its
// private network identity once health reaches "ok".
func (m *Machine) handlePowerOn(ctx context.Context, req *fsm.Request[RecoveryRequest, RecoveryResponse]) (*fsm.Response[RecoveryResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if !req.Msg.PowerOn {
		resp.Status = StatusStopped
		return fsm.NewResponse(resp), nil
	}

	slog.Info("fsm_state_power_on", "instance_id", resp.InstanceID)

	if err := m.checkRetries(ctx, StatePowerOn); err != nil {
		return nil, fsm.Abort(err)
	}

	if _, err := m.ec2.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{resp.InstanceID},
	}); err != nil {
		slog.Error("power_on_failed", "instance_id", resp.InstanceID, "error", err)
		return nil, fsm.Abort(errors.Wrap(err, "failed to start recovery instance"))
	}

	if err := m.awaitInstance(ctx, resp.InstanceID, HealthOK); err != nil {
		return nil, errors.Wrap(err, "instance never came back online")
	}

	instance, err := m.describeInstance(ctx, resp.InstanceID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read connection info")
	}
	resp.PrivateDNSName = aws.ToString(instance.PrivateDnsName)
	resp.PrivateIP = aws.ToString(instance.PrivateIpAddress)
	resp.Status = StatusOnline

	slog.Info("recovery_instance_online",
		"instance_id", resp.InstanceID,
		"private_dns", resp.PrivateDNSName,
		"private_ip", resp.PrivateIP)

	return fsm.NewResponse(resp), nil
}

// handleComplete records the final run state.
func (m *Machine) handleComplete(ctx context.Context, req *fsm.Request[RecoveryRequest, RecoveryResponse]) (*fsm.Response[RecoveryResponse], error) {
	resp := req.W.Msg
	if resp == nil {
		return nil, fsm.Abort(fmt.Errorf("response not initialized"))
	}

	if resp.Status == "" {
		resp.Status = StatusStopped
	}

	m.recordRun(func(run *journal.Run) {
		run.Status = journal.StatusRecovered
	})

	slog.Info("fsm_complete",
		"instance_id", resp.InstanceID,
		"status", resp.Status,
		"attached_count", resp.AttachedCount)

	return fsm.NewResponse(resp), nil
}

// describeInstance fetches the single-instance description, guarding the
// nested reservation shape.
func (m *Machine) describeInstance(ctx context.Context, instanceID string) (*ec2types.Instance, error) {
	out, err := m.ec2.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("failed querying info from %s", instanceID))
	}
	if len(out.Reservations) == 0 || len(out.Reservations[0].Instances) == 0 {
		return nil, fmt.Errorf("instance %s missing from describe response", instanceID)
	}
	return &out.Reservations[0].Instances[0], nil
}

// instanceHealth reports the instance's effective health: its status-check
// value while running, its lifecycle state otherwise. A running instance
// whose health entry has not been published yet reports as transitioning.
func (m *Machine) instanceHealth(ctx context.Context, instanceID string) (string, error) {
	statusOut, err := m.ec2.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", errors.Wrap(err, fmt.Sprintf("failed fetching status from %s", instanceID))
	}

	instance, err := m.describeInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	state := string(instance.State.Name)

	if state != string(ec2types.InstanceStateNameRunning) {
		return state, nil
	}
	if len(statusOut.InstanceStatuses) == 0 || statusOut.InstanceStatuses[0].InstanceStatus == nil {
		return HealthTransitioning, nil
	}
	return string(statusOut.InstanceStatuses[0].InstanceStatus.Status), nil
}

// awaitInstance polls at the fixed interval until the instance reports the
// target health value. Query failures during a transition are expected and
// keep the poll alive; only the optional attempt ceiling ends it early.
func (m *Machine) awaitInstance(ctx context.Context, instanceID, target string) error {
	attempts := 0
	for {
		health, err := m.instanceHealth(ctx, instanceID)
		if err == nil && health == target {
			return nil
		}
		if err != nil {
			slog.Info("instance_wait_query_failed", "instance_id", instanceID, "error", err)
		} else {
			slog.Info("instance_wait", "instance_id", instanceID, "current", health, "target", target)
		}

		attempts++
		if m.maxPollAttempts > 0 && attempts >= m.maxPollAttempts {
			return fmt.Errorf("instance %s did not reach %q within %d polls", instanceID, target, m.maxPollAttempts)
		}
		if err := sleep(ctx, m.pollInterval); err != nil {
			return err
		}
	}
}

// awaitVolumeAvailable polls until the detached volume reports "available".
func (m *Machine) awaitVolumeAvailable(ctx context.Context, volumeID string) error {
	attempts := 0
	for {
		out, err := m.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			VolumeIds: []string{volumeID},
		})
		if err != nil {
			if !errors.IsTransient(err) {
				return errors.Wrap(err, fmt.Sprintf("failed describing volume %s", volumeID))
			}
			slog.Info("volume_wait_query_failed", "volume_id", volumeID, "error", err)
		} else if len(out.Volumes) > 0 && out.Volumes[0].State == ec2types.VolumeStateAvailable {
			return nil
		} else if len(out.Volumes) > 0 {
			slog.Info("volume_wait", "volume_id", volumeID, "state", out.Volumes[0].State)
		}

		attempts++
		if m.maxPollAttempts > 0 && attempts >= m.maxPollAttempts {
			return fmt.Errorf("volume %s did not become available within %d polls", volumeID, m.maxPollAttempts)
		}
		if err := sleep(ctx, m.pollInterval); err != nil {
			return err
		}
	}
}

// awaitVolumeGone polls until the provider no longer recognizes the volume
// id. A not-found answer is the success signal here, not a failure.
func (m *Machine) awaitVolumeGone(ctx context.Context, volumeID string) error {
	attempts := 0
	for {
		_, err := m.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
			VolumeIds: []string{volumeID},
		})
		if errors.IsNotFound(err) {
			return nil
		}
		if err != nil && !errors.IsTransient(err) {
			return errors.Wrap(err, fmt.Sprintf("failed confirming deletion of %s", volumeID))
		}

		slog.Info("volume_delete_wait", "volume_id", volumeID)

		attempts++
		if m.maxPollAttempts > 0 && attempts >= m.maxPollAttempts {
			return fmt.Errorf("volume %s still present after %d polls", volumeID, m.maxPollAttempts)
		}
		if err := sleep(ctx, m.pollInterval); err != nil {
			return err
		}
	}
}

// sleep waits out one poll interval, honoring cancellation.
func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
