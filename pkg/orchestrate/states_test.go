package orchestrate

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/opsstack/reconstitute/pkg/rebuild"
	"github.com/superfly/fsm"
)

// volAnswer scripts one DescribeVolumes response.
type volAnswer struct {
	state    ec2types.VolumeState
	notFound bool
}

type attachCall struct {
	volumeID string
	device   string
}

// fakeEC2 answers the orchestrator's calls from scripted queues; the last
// queue element repeats once a queue drains.
type fakeEC2 struct {
	launched []*ec2.RunInstancesInput

	stateQueue  []ec2types.InstanceStateName
	statusQueue []string // "" means no status entry published yet
	volQueue    []volAnswer

	rootVolume string

	stopCalls  int
	startCalls int
	detached   []string
	deleted    []string
	attached   []attachCall
	modified   []*ec2.ModifyInstanceAttributeInput

	attachFailDevice string // device whose attach call is rejected
	clonePayload     string // base64 userData served for clone
}

func popRepeat[T any](q *[]T) T {
	v := (*q)[0]
	if len(*q) > 1 {
		*q = (*q)[1:]
	}
	return v
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.launched = append(f.launched, in)
	return &ec2.RunInstancesOutput{
		Instances: []ec2types.Instance{{InstanceId: aws.String("i-recover001234567")}},
	}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	state := ec2types.InstanceStateNameRunning
	if len(f.stateQueue) > 0 {
		state = popRepeat(&f.stateQueue)
	}
	instance := ec2types.Instance{
		InstanceId:       aws.String(in.InstanceIds[0]),
		State:            &ec2types.InstanceState{Name: state},
		PrivateDnsName:   aws.String("ip-10-0-1-5.ec2.internal"),
		PrivateIpAddress: aws.String("10.0.1.5"),
	}
	if f.rootVolume != "" {
		instance.BlockDeviceMappings = []ec2types.InstanceBlockDeviceMapping{
			{DeviceName: aws.String("/dev/xvda"), Ebs: &ec2types.EbsInstanceBlockDevice{VolumeId: aws.String(f.rootVolume)}},
		}
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{instance}}},
	}, nil
}

func (f *fakeEC2) DescribeInstanceStatus(_ context.Context, _ *ec2.DescribeInstanceStatusInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	status := "ok"
	if len(f.statusQueue) > 0 {
		status = popRepeat(&f.statusQueue)
	}
	if status == "" {
		return &ec2.DescribeInstanceStatusOutput{}, nil
	}
	return &ec2.DescribeInstanceStatusOutput{
		InstanceStatuses: []ec2types.InstanceStatus{
			{InstanceStatus: &ec2types.InstanceStatusSummary{Status: ec2types.SummaryStatus(status)}},
		},
	}, nil
}

func (f *fakeEC2) StopInstances(_ context.Context, _ *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.stopCalls++
	return &ec2.StopInstancesOutput{}, nil
}

func (f *fakeEC2) StartInstances(_ context.Context, _ *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	f.startCalls++
	return &ec2.StartInstancesOutput{}, nil
}

func (f *fakeEC2) DescribeVolumes(_ context.Context, in *ec2.DescribeVolumesInput, _ ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	answer := volAnswer{state: ec2types.VolumeStateAvailable}
	if len(f.volQueue) > 0 {
		answer = popRepeat(&f.volQueue)
	}
	if answer.notFound {
		return nil, &smithy.GenericAPIError{Code: "InvalidVolume.NotFound", Fault: smithy.FaultClient}
	}
	return &ec2.DescribeVolumesOutput{
		Volumes: []ec2types.Volume{{VolumeId: aws.String(in.VolumeIds[0]), State: answer.state}},
	}, nil
}

func (f *fakeEC2) DetachVolume(_ context.Context, in *ec2.DetachVolumeInput, _ ...func(*ec2.Options)) (*ec2.DetachVolumeOutput, error) {
	f.detached = append(f.detached, aws.ToString(in.VolumeId))
	return &ec2.DetachVolumeOutput{}, nil
}

func (f *fakeEC2) DeleteVolume(_ context.Context, in *ec2.DeleteVolumeInput, _ ...func(*ec2.Options)) (*ec2.DeleteVolumeOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.VolumeId))
	return &ec2.DeleteVolumeOutput{}, nil
}

func (f *fakeEC2) AttachVolume(_ context.Context, in *ec2.AttachVolumeInput, _ ...func(*ec2.Options)) (*ec2.AttachVolumeOutput, error) {
	device := aws.ToString(in.Device)
	if device == f.attachFailDevice {
		return nil, &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "device in use", Fault: smithy.FaultClient}
	}
	f.attached = append(f.attached, attachCall{volumeID: aws.ToString(in.VolumeId), device: device})
	return &ec2.AttachVolumeOutput{}, nil
}

func (f *fakeEC2) ModifyInstanceAttribute(_ context.Context, in *ec2.ModifyInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.ModifyInstanceAttributeOutput, error) {
	f.modified = append(f.modified, in)
	if in.Groups != nil && len(in.Groups) > 0 && in.Groups[0] == "sg-rejected" {
		return nil, &smithy.GenericAPIError{Code: "InvalidGroup.NotFound", Fault: smithy.FaultClient}
	}
	return &ec2.ModifyInstanceAttributeOutput{}, nil
}

func (f *fakeEC2) DescribeInstanceAttribute(_ context.Context, _ *ec2.DescribeInstanceAttributeInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstanceAttributeOutput, error) {
	if f.clonePayload == "" {
		return &ec2.DescribeInstanceAttributeOutput{}, nil
	}
	return &ec2.DescribeInstanceAttributeOutput{
		UserData: &ec2types.AttributeValue{Value: aws.String(f.clonePayload)},
	}, nil
}

func testMachine(api *fakeEC2) *Machine {
	return NewMachine(api, nil, nil, time.Millisecond, 0, 5)
}

func newRequest(msg *RecoveryRequest) (*fsm.Request[RecoveryRequest, RecoveryResponse], *RecoveryResponse) {
	resp := &RecoveryResponse{}
	return fsm.NewRequest(msg, resp), resp
}

func TestHandleLaunch(t *testing.T) {
	api := &fakeEC2{}
	m := testMachine(api)

	req, resp := newRequest(&RecoveryRequest{
		SearchValue:  "web-01",
		ImageID:      "ami-0123abcd",
		InstanceType: "t3.large",
		KeyName:      "ops-key",
		SubnetID:     "subnet-11112222",
		Zone:         "us-east-1a",
		Label:        "web-01-recovery",
	})

	if _, err := m.handleLaunch(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.InstanceID != "i-recover001234567" {
		t.Errorf("instance id = %q", resp.InstanceID)
	}

	in := api.launched[0]
	if aws.ToString(in.ImageId) != "ami-0123abcd" || in.InstanceType != "t3.large" {
		t.Errorf("launch input image/type: %s/%s", aws.ToString(in.ImageId), in.InstanceType)
	}
	if aws.ToInt32(in.MinCount) != 1 || aws.ToInt32(in.MaxCount) != 1 {
		t.Error("launch must request exactly one instance")
	}
	if aws.ToString(in.NetworkInterfaces[0].SubnetId) != "subnet-11112222" {
		t.Error("launch did not target the deployment subnet")
	}
	if aws.ToString(in.Placement.AvailabilityZone) != "us-east-1a" {
		t.Error("launch did not pin the build zone")
	}
	tags := in.TagSpecifications[0].Tags
	if aws.ToString(tags[0].Key) != "Name" || aws.ToString(tags[0].Value) != "web-01-recovery" {
		t.Errorf("launch Name tag = %s=%s", aws.ToString(tags[0].Key), aws.ToString(tags[0].Value))
	}
}

func TestInstanceHealth(t *testing.T) {
	tests := []struct {
		name   string
		state  ec2types.InstanceStateName
		status string
		want   string
	}{
		{"running and ok", ec2types.InstanceStateNameRunning, "ok", HealthOK},
		{"running without status entry", ec2types.InstanceStateNameRunning, "", HealthTransitioning},
		{"running but initializing", ec2types.InstanceStateNameRunning, "initializing", "initializing"},
		{"stopped", ec2types.InstanceStateNameStopped, "", "stopped"},
		{"pending", ec2types.InstanceStateNamePending, "", "pending"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeEC2{
				stateQueue:  []ec2types.InstanceStateName{tt.state},
				statusQueue: []string{tt.status},
			}
			got, err := testMachine(api).instanceHealth(context.Background(), "i-x")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("health = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAwaitInstance_PollsThroughTransition(t *testing.T) {
	api := &fakeEC2{
		stateQueue:  []ec2types.InstanceStateName{ec2types.InstanceStateNamePending, ec2types.InstanceStateNameRunning},
		statusQueue: []string{"", "", "initializing", "ok"},
	}

	if err := testMachine(api).awaitInstance(context.Background(), "i-x", HealthOK); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAwaitInstance_BoundedPollGivesUp(t *testing.T) {
	api := &fakeEC2{
		stateQueue:  []ec2types.InstanceStateName{ec2types.InstanceStateNamePending},
		statusQueue: []string{""},
	}
	m := NewMachine(api, nil, nil, time.Millisecond, 3, 5)

	if err := m.awaitInstance(context.Background(), "i-x", HealthOK); err == nil {
		t.Error("expected error once the attempt ceiling is hit")
	}
}

func TestHandleStop(t *testing.T) {
	api := &fakeEC2{
		stateQueue: []ec2types.InstanceStateName{
			ec2types.InstanceStateNameStopping,
			ec2types.InstanceStateNameStopped,
		},
	}
	m := testMachine(api)

	req, _ := newRequest(&RecoveryRequest{})
	req.W.Msg.InstanceID = "i-x"

	if _, err := m.handleStop(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.stopCalls != 1 {
		t.Errorf("stop calls = %d, want 1", api.stopCalls)
	}
}

func TestHandleSwapRoot(t *testing.T) {
	api := &fakeEC2{
		rootVolume: "vol-root0001",
		stateQueue: []ec2types.InstanceStateName{ec2types.InstanceStateNameStopped},
		volQueue: []volAnswer{
			{state: ec2types.VolumeStateInUse},     // still detaching
			{state: ec2types.VolumeStateAvailable}, // detached
			{state: ec2types.VolumeStateDeleting},  // delete in flight
			{notFound: true},                       // gone: the success signal
		},
	}
	m := testMachine(api)

	req, resp := newRequest(&RecoveryRequest{})
	req.W.Msg.InstanceID = "i-x"

	if _, err := m.handleSwapRoot(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.RootVolumeID != "vol-root0001" {
		t.Errorf("root volume = %q", resp.RootVolumeID)
	}
	if len(api.detached) != 1 || api.detached[0] != "vol-root0001" {
		t.Errorf("detached = %v", api.detached)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "vol-root0001" {
		t.Errorf("deleted = %v", api.deleted)
	}
}

func TestHandleSwapRoot_NoBlockDevice(t *testing.T) {
	api := &fakeEC2{stateQueue: []ec2types.InstanceStateName{ec2types.InstanceStateNameStopped}}
	m := testMachine(api)

	req, _ := newRequest(&RecoveryRequest{})
	req.W.Msg.InstanceID = "i-x"

	if _, err := m.handleSwapRoot(context.Background(), req); err == nil {
		t.Error("expected error when instance has no block-device mapping")
	}
}

func TestHandleAttach_EachVolumeAtItsOwnDevice(t *testing.T) {
	api := &fakeEC2{}
	m := testMachine(api)

	req, resp := newRequest(&RecoveryRequest{
		Volumes: []rebuild.Volume{
			{ID: "vol-000001", Device: "/dev/sdf"},
			{ID: "vol-000002", Device: "/dev/sdg"},
		},
	})
	req.W.Msg.InstanceID = "i-x"

	if _, err := m.handleAttach(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.AttachedCount != 2 {
		t.Errorf("attached count = %d, want 2", resp.AttachedCount)
	}

	want := map[string]string{"vol-000001": "/dev/sdf", "vol-000002": "/dev/sdg"}
	for _, call := range api.attached {
		if want[call.volumeID] != call.device {
			t.Errorf("volume %s attached at %s, want %s", call.volumeID, call.device, want[call.volumeID])
		}
	}
}

func TestHandleAttach_CollisionAborts(t *testing.T) {
	api := &fakeEC2{attachFailDevice: "/dev/sdg"}
	m := testMachine(api)

	req, _ := newRequest(&RecoveryRequest{
		Volumes: []rebuild.Volume{
			{ID: "vol-000001", Device: "/dev/sdf"},
			{ID: "vol-000002", Device: "/dev/sdg"},
		},
	})
	req.W.Msg.InstanceID = "i-x"

	if _, err := m.handleAttach(context.Background(), req); err == nil {
		t.Error("expected error when an attach call is rejected")
	}
}

func TestHandleAccess_FailureWarnsButContinues(t *testing.T) {
	api := &fakeEC2{}
	m := testMachine(api)

	req, _ := newRequest(&RecoveryRequest{SecurityGroups: []string{"sg-rejected"}})
	req.W.Msg.InstanceID = "i-x"

	if _, err := m.handleAccess(context.Background(), req); err != nil {
		t.Errorf("security-group failure must not abort the run, got: %v", err)
	}
}

func TestHandleAccess_SkippedWhenNoGroups(t *testing.T) {
	api := &fakeEC2{}
	m := testMachine(api)

	req, _ := newRequest(&RecoveryRequest{})
	req.W.Msg.InstanceID = "i-x"

	if _, err := m.handleAccess(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.modified) != 0 {
		t.Error("no modify call expected when no groups were given")
	}
}

func TestHandleUserData_InjectsSuppliedPayload(t *testing.T) {
	api := &fakeEC2{}
	m := testMachine(api)

	req, _ := newRequest(&RecoveryRequest{UserData: []byte("#!/bin/sh\n")})
	req.W.Msg.InstanceID = "i-x"

	if _, err := m.handleUserData(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.modified) != 1 || api.modified[0].UserData == nil {
		t.Fatal("expected one userData modify call")
	}
	if string(api.modified[0].UserData.Value) != "#!/bin/sh\n" {
		t.Errorf("payload = %q", api.modified[0].UserData.Value)
	}
}

func TestHandleUserData_ClonesFromSource(t *testing.T) {
	payload := "#!/bin/sh\nhostname web-01\n"
	api := &fakeEC2{clonePayload: base64.StdEncoding.EncodeToString([]byte(payload))}
	m := testMachine(api)

	req, _ := newRequest(&RecoveryRequest{CloneSource: "i-aaa"})
	req.W.Msg.InstanceID = "i-x"

	if _, err := m.handleUserData(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.modified) != 1 || api.modified[0].UserData == nil {
		t.Fatal("expected one userData modify call")
	}
	if string(api.modified[0].UserData.Value) != payload {
		t.Errorf("cloned payload = %q, want %q", api.modified[0].UserData.Value, payload)
	}
}

func TestHandleUserData_SkippedWhenUnset(t *testing.T) {
	api := &fakeEC2{}
	m := testMachine(api)

	req, _ := newRequest(&RecoveryRequest{})
	req.W.Msg.InstanceID = "i-x"

	if _, err := m.handleUserData(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(api.modified) != 0 {
		t.Error("no modify call expected without a payload or clone source")
	}
}

func TestHandlePowerOn_Skipped(t *testing.T) {
	api := &fakeEC2{}
	m := testMachine(api)

	req, resp := newRequest(&RecoveryRequest{PowerOn: false})
	req.W.Msg.InstanceID = "i-x"

	if _, err := m.handlePowerOn(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.startCalls != 0 {
		t.Error("start must not be called without the power-on flag")
	}
	if resp.Status != StatusStopped {
		t.Errorf("status = %q, want %q", resp.Status, StatusStopped)
	}
}

func TestHandlePowerOn_ReportsPrivateAddress(t *testing.T) {
	api := &fakeEC2{
		stateQueue:  []ec2types.InstanceStateName{ec2types.InstanceStateNamePending, ec2types.InstanceStateNameRunning},
		statusQueue: []string{"", "ok"},
	}
	m := testMachine(api)

	req, resp := newRequest(&RecoveryRequest{PowerOn: true})
	req.W.Msg.InstanceID = "i-x"

	if _, err := m.handlePowerOn(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.startCalls != 1 {
		t.Errorf("start calls = %d, want 1", api.startCalls)
	}
	if resp.Status != StatusOnline {
		t.Errorf("status = %q, want %q", resp.Status, StatusOnline)
	}
	if resp.PrivateDNSName != "ip-10-0-1-5.ec2.internal" || resp.PrivateIP != "10.0.1.5" {
		t.Errorf("connection info = %s (%s)", resp.PrivateDNSName, resp.PrivateIP)
	}
}

func TestFullSequence_NoOptionalSteps(t *testing.T) {
	api := &fakeEC2{
		rootVolume: "vol-root0001",
		stateQueue: []ec2types.InstanceStateName{
			ec2types.InstanceStateNamePending,
			ec2types.InstanceStateNameRunning, // await online
			ec2types.InstanceStateNameStopping,
			ec2types.InstanceStateNameStopped, // stays stopped
		},
		statusQueue: []string{"", "ok"},
		volQueue: []volAnswer{
			{state: ec2types.VolumeStateAvailable},
			{state: ec2types.VolumeStateDeleting},
			{notFound: true},
		},
	}
	m := testMachine(api)

	req, resp := newRequest(&RecoveryRequest{
		SearchValue:  "web-01",
		ImageID:      "ami-0123abcd",
		InstanceType: "t3.large",
		SubnetID:     "subnet-11112222",
		Zone:         "us-east-1a",
		Label:        "web-01-recovery",
		Volumes: []rebuild.Volume{
			{ID: "vol-000001", Device: "/dev/sdf", SourceInstance: "i-aaa"},
			{ID: "vol-000002", Device: "/dev/sdg", SourceInstance: "i-aaa"},
		},
	})

	ctx := context.Background()
	handlers := []func(context.Context, *fsm.Request[RecoveryRequest, RecoveryResponse]) (*fsm.Response[RecoveryResponse], error){
		m.handleLaunch,
		m.handleAwaitOnline,
		m.handleStop,
		m.handleSwapRoot,
		m.handleAttach,
		m.handleAccess,
		m.handleUserData,
		m.handlePowerOn,
		m.handleComplete,
	}
	for i, handler := range handlers {
		if _, err := handler(ctx, req); err != nil {
			t.Fatalf("handler %d failed: %v", i, err)
		}
	}

	if len(api.launched) != 1 {
		t.Errorf("launched %d instances, want 1", len(api.launched))
	}
	if len(api.attached) != 2 {
		t.Errorf("attached %d volumes, want 2", len(api.attached))
	}
	if len(api.deleted) != 1 || api.deleted[0] != "vol-root0001" {
		t.Errorf("deleted = %v, want the default root volume only", api.deleted)
	}
	if len(api.modified) != 0 {
		t.Errorf("modify calls = %d, want 0 (no optional steps requested)", len(api.modified))
	}
	if api.startCalls != 0 {
		t.Error("instance must be left stopped")
	}
	if resp.Status != StatusStopped {
		t.Errorf("final status = %q, want %q", resp.Status, StatusStopped)
	}
}
